package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/voicepin/voicepin/internal/pipeline"
	"github.com/voicepin/voicepin/internal/session"
	"github.com/voicepin/voicepin/pkg/provider/llm"
	llmmock "github.com/voicepin/voicepin/pkg/provider/llm/mock"
)

func testGenerator(p llm.Provider, fallbackModel string) *pipeline.Generator {
	return pipeline.NewGenerator(p, nil, pipeline.GeneratorConfig{
		SystemPrompt:  "You are a helpful wearable assistant.",
		FallbackModel: fallbackModel,
		MaxAttempts:   3,
		BaseDelay:     time.Nanosecond,
	})
}

func TestGenerateSuccess(t *testing.T) {
	p := &llmmock.Provider{Response: &llm.CompletionResponse{Content: " Sunny, 22 degrees. "}}
	g := testGenerator(p, "")

	turns := []session.Turn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	reply := g.Generate(context.Background(), turns, "what's the weather", nil)

	if reply.Text != "Sunny, 22 degrees." {
		t.Errorf("text: got %q, want trimmed completion", reply.Text)
	}
	if reply.Degraded || reply.UsedFallback {
		t.Error("clean completion should not be degraded or fallback")
	}

	req := p.CompleteCalls[0].Req
	if req.SystemPrompt == "" {
		t.Error("system prompt missing")
	}
	if len(req.History) != 2 {
		t.Errorf("history: got %d messages, want 2", len(req.History))
	}
	if req.UserText != "what's the weather" {
		t.Errorf("user text: got %q", req.UserText)
	}
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	p := &llmmock.Provider{
		Errs:     []error{errors.New("503"), errors.New("503"), nil},
		Response: &llm.CompletionResponse{Content: "eventually"},
	}
	reply := testGenerator(p, "").Generate(context.Background(), nil, "hello", nil)

	if reply.Text != "eventually" {
		t.Errorf("text: got %q, want the third attempt's reply", reply.Text)
	}
	if len(p.CompleteCalls) != 3 {
		t.Errorf("calls: got %d, want 3", len(p.CompleteCalls))
	}
}

func TestGenerateAuthFailureIsTerminal(t *testing.T) {
	p := &llmmock.Provider{Err: fmt.Errorf("api: %w", llm.ErrAuthentication)}
	reply := testGenerator(p, "spare-model").Generate(context.Background(), nil, "hello", nil)

	if len(p.CompleteCalls) != 1 {
		t.Errorf("calls: got %d, want 1 (no retry, no fallback on bad credentials)", len(p.CompleteCalls))
	}
	if !reply.Degraded {
		t.Error("auth failure should degrade to the canned reply")
	}
	if reply.Text != pipeline.CannedReply {
		t.Errorf("text: got %q, want canned reply", reply.Text)
	}
}

func TestGenerateFallbackModel(t *testing.T) {
	p := &llmmock.Provider{
		Errs:     []error{errors.New("down"), errors.New("down"), errors.New("down"), nil},
		Response: &llm.CompletionResponse{Content: "from the spare"},
	}
	reply := testGenerator(p, "spare-model").Generate(context.Background(), nil, "hello", nil)

	if !reply.UsedFallback {
		t.Error("expected the fallback model to answer")
	}
	if reply.Text != "from the spare" {
		t.Errorf("text: got %q", reply.Text)
	}
	if len(p.CompleteCalls) != 4 {
		t.Fatalf("calls: got %d, want 3 primary + 1 fallback", len(p.CompleteCalls))
	}
	if got := p.CompleteCalls[3].Req.Model; got != "spare-model" {
		t.Errorf("fallback call model: got %q, want spare-model", got)
	}
	if got := p.CompleteCalls[2].Req.Model; got != "" {
		t.Errorf("primary call model override: got %q, want empty", got)
	}
}

func TestGenerateAllAttemptsFail(t *testing.T) {
	p := &llmmock.Provider{Err: errors.New("down hard")}
	reply := testGenerator(p, "spare-model").Generate(context.Background(), nil, "hello", nil)

	if !reply.Degraded {
		t.Error("expected degradation to the canned reply")
	}
	if reply.Text != pipeline.CannedReply {
		t.Errorf("text: got %q, want canned reply", reply.Text)
	}
	// 3 primary attempts plus the single fallback try.
	if len(p.CompleteCalls) != 4 {
		t.Errorf("calls: got %d, want 4", len(p.CompleteCalls))
	}
}

func TestGenerateAttachesImageForVisionModels(t *testing.T) {
	p := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: "a cat"},
		Caps:     llm.Capabilities{SupportsVision: true},
	}
	img := &session.PendingImage{Data: []byte{0xFF, 0xD8, 0xFF}, MIMEType: "image/jpeg"}
	testGenerator(p, "").Generate(context.Background(), nil, "what do you see", img)

	req := p.CompleteCalls[0].Req
	if req.Image == nil {
		t.Fatal("image attachment missing")
	}
	if req.Image.MIMEType != "image/jpeg" {
		t.Errorf("mime: got %q", req.Image.MIMEType)
	}
}

func TestGenerateDropsImageWithoutVision(t *testing.T) {
	p := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "no idea"}}
	img := &session.PendingImage{Data: []byte{0xFF, 0xD8, 0xFF}, MIMEType: "image/jpeg"}
	testGenerator(p, "").Generate(context.Background(), nil, "what do you see", img)

	if p.CompleteCalls[0].Req.Image != nil {
		t.Error("image should be dropped for models without vision support")
	}
}
