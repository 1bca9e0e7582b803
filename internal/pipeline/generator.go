package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/voicepin/voicepin/internal/observe"
	"github.com/voicepin/voicepin/internal/resilience"
	"github.com/voicepin/voicepin/internal/session"
	"github.com/voicepin/voicepin/pkg/provider/llm"
)

// CannedReply is spoken when every generation attempt fails, so the device
// always has something to play.
const CannedReply = "I'm having trouble thinking right now — please try again"

// GeneratorConfig parameterizes a Generator.
type GeneratorConfig struct {
	SystemPrompt string

	// FallbackModel is tried once after the primary model exhausts its
	// retries. Empty disables the fallback.
	FallbackModel string

	// MaxAttempts bounds the retry loop against the primary model.
	// Default 3.
	MaxAttempts int

	// BaseDelay is the first backoff wait; it doubles per failure.
	// Default 1s. Tests set it to zero.
	BaseDelay time.Duration

	Temperature float64
	MaxTokens   int
}

// Reply is the generator's outcome. Degraded is set when the text is the
// canned reply rather than a model completion.
type Reply struct {
	Text         string
	Degraded     bool
	UsedFallback bool
}

// Generator produces the assistant's reply for one exchange. It retries
// transient model failures with exponential backoff, switches to the
// fallback model once when the primary keeps failing, and degrades to a
// canned reply instead of surfacing an error.
type Generator struct {
	provider llm.Provider
	metrics  *observe.Metrics
	cfg      GeneratorConfig
	policy   resilience.Policy
}

// NewGenerator creates a Generator.
func NewGenerator(provider llm.Provider, metrics *observe.Metrics, cfg GeneratorConfig) *Generator {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	return &Generator{
		provider: provider,
		metrics:  metrics,
		cfg:      cfg,
		policy: resilience.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			Terminal: func(err error) bool {
				return errors.Is(err, llm.ErrAuthentication)
			},
		},
	}
}

// Generate produces the reply for userText given the session's recent turns
// and the optional pending image. Image attachments are dropped, with a log
// line, when the configured model cannot see them.
func (g *Generator) Generate(ctx context.Context, turns []session.Turn, userText string, img *session.PendingImage) *Reply {
	log := observe.Logger(ctx)
	start := time.Now()
	defer func() {
		g.metrics.GenerateDuration.Record(ctx, time.Since(start).Seconds())
	}()

	req := llm.CompletionRequest{
		SystemPrompt: g.cfg.SystemPrompt,
		History:      historyMessages(turns),
		UserText:     userText,
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
	}

	if img != nil {
		if g.provider.Capabilities().SupportsVision {
			req.Image = &llm.ImageAttachment{Data: img.Data, MIMEType: img.MIMEType}
		} else {
			log.Warn("dropping image attachment, model has no vision support")
		}
	}

	resp, err := resilience.DoWithResult(ctx, g.policy, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return g.provider.Complete(ctx, req)
	})
	if err == nil {
		return &Reply{Text: strings.TrimSpace(resp.Content)}
	}

	g.metrics.RecordProviderError(ctx, "llm", "generate")
	if errors.Is(err, llm.ErrAuthentication) {
		log.Error("generation failed with bad credentials, not retrying", "error", err)
		return &Reply{Text: CannedReply, Degraded: true}
	}
	log.Warn("primary model exhausted retries", "error", err)

	if g.cfg.FallbackModel != "" {
		req.Model = g.cfg.FallbackModel
		resp, err = g.provider.Complete(ctx, req)
		if err == nil {
			log.Info("fallback model answered", "model", g.cfg.FallbackModel)
			return &Reply{Text: strings.TrimSpace(resp.Content), UsedFallback: true}
		}
		g.metrics.RecordProviderError(ctx, "llm", "generate_fallback")
		log.Error("fallback model failed", "model", g.cfg.FallbackModel, "error", err)
	}

	return &Reply{Text: CannedReply, Degraded: true}
}

func historyMessages(turns []session.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}
