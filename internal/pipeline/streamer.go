package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/voicepin/voicepin/internal/observe"
	"github.com/voicepin/voicepin/internal/protocol"
)

// Outcome is how a reply reached (or failed to reach) the device.
type Outcome string

const (
	// OutcomeStreamed means the device played the streamed audio.
	OutcomeStreamed Outcome = "streamed"

	// OutcomeDownload means the device got a download URL instead of a
	// stream.
	OutcomeDownload Outcome = "download"

	// OutcomeFailed means neither path delivered the reply.
	OutcomeFailed Outcome = "failed"
)

// TokenIssuer mints single-use download tokens for reply artifacts.
// Implemented by the storage layer.
type TokenIssuer interface {
	Issue(path string) (token string, err error)
}

// StreamerConfig parameterizes a Streamer.
type StreamerConfig struct {
	// ChunkSizeBytes is the size of each streamed binary frame.
	ChunkSizeBytes int

	// ReadyTimeout is how long to wait for playback_ready before falling
	// back to a download offer.
	ReadyTimeout time.Duration

	// TokenTTL is reported to the device as the download link lifetime.
	TokenTTL time.Duration

	// BuildURL renders a token into the URL the device should fetch.
	BuildURL func(token string) string
}

// Streamer delivers one synthesized reply. The happy path is the ready
// handshake followed by chunked binary frames; a silent or failing device
// gets a download offer instead.
type Streamer struct {
	tokens  TokenIssuer
	metrics *observe.Metrics
	cfg     StreamerConfig
}

// NewStreamer creates a Streamer.
func NewStreamer(tokens TokenIssuer, metrics *observe.Metrics, cfg StreamerConfig) *Streamer {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if cfg.ChunkSizeBytes <= 0 {
		cfg.ChunkSizeBytes = 16000
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	return &Streamer{tokens: tokens, metrics: metrics, cfg: cfg}
}

// Stream announces art over conn, waits for the device's ready handshake,
// and streams the audio in chunks. Frames on events must be the playback
// messages for this session (playback_ready, playback_complete,
// playback_error); the controller forwards them.
func (s *Streamer) Stream(ctx context.Context, conn Conn, events <-chan protocol.Envelope, art *Artifact) (Outcome, error) {
	log := observe.Logger(ctx)

	err := conn.Send(ctx, protocol.Envelope{
		Type:       protocol.TypeTTSReady,
		Format:     "wav",
		TotalBytes: len(art.Data),
		DurationMs: int(art.Duration.Milliseconds()),
		Size:       s.cfg.ChunkSizeBytes,
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("pipeline: announce reply: %w", err)
	}

	ready := time.NewTimer(s.cfg.ReadyTimeout)
	defer ready.Stop()
waitReady:
	for {
		select {
		case <-ctx.Done():
			return OutcomeFailed, ctx.Err()
		case <-ready.C:
			log.Warn("device never reported playback_ready, offering download")
			return s.offerDownload(ctx, conn, art)
		case env := <-events:
			switch env.Type {
			case protocol.TypePlaybackReady:
				break waitReady
			case protocol.TypePlaybackError:
				log.Warn("device reported playback_error before streaming", "reason", env.Reason)
				return s.offerDownload(ctx, conn, art)
			}
		}
	}

	sent := 0
	seq := 0
	for sent < len(art.Data) {
		end := sent + s.cfg.ChunkSizeBytes
		if end > len(art.Data) {
			end = len(art.Data)
		}
		chunk := art.Data[sent:end]
		last := end == len(art.Data)

		err := conn.Send(ctx, protocol.Envelope{
			Type: protocol.TypeTTSChunkMeta,
			Seq:  seq,
			Size: len(chunk),
			Last: last,
		})
		if err != nil {
			return OutcomeFailed, fmt.Errorf("pipeline: send chunk meta %d: %w", seq, err)
		}
		if err := conn.SendBinary(ctx, chunk); err != nil {
			return OutcomeFailed, fmt.Errorf("pipeline: send chunk %d: %w", seq, err)
		}

		sent = end
		seq++

		// Mid-stream playback errors switch to the download fallback.
		select {
		case env := <-events:
			if env.Type == protocol.TypePlaybackError {
				log.Warn("device reported playback_error mid-stream", "reason", env.Reason)
				return s.offerDownload(ctx, conn, art)
			}
		default:
		}
	}

	// Byte accounting must come out even; a mismatch here is a server bug.
	if sent != len(art.Data) {
		return OutcomeFailed, fmt.Errorf("pipeline: streamed %d of %d bytes", sent, len(art.Data))
	}

	err = conn.Send(ctx, protocol.Envelope{
		Type:       protocol.TypeTTSDone,
		TotalBytes: sent,
		Count:      seq,
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("pipeline: finish stream: %w", err)
	}

	// Wait for the device to confirm playback, bounded by the audio length
	// plus slack. A silent device is treated as done; the session-level
	// timeouts deal with a dead one.
	confirm := time.NewTimer(art.Duration*2 + 10*time.Second)
	defer confirm.Stop()
	for {
		select {
		case <-ctx.Done():
			return OutcomeStreamed, nil
		case <-confirm.C:
			log.Warn("no playback_complete received, assuming done")
			return OutcomeStreamed, nil
		case env := <-events:
			switch env.Type {
			case protocol.TypePlaybackDone:
				return OutcomeStreamed, nil
			case protocol.TypePlaybackError:
				log.Warn("device reported playback_error after streaming", "reason", env.Reason)
				return s.offerDownload(ctx, conn, art)
			}
		}
	}
}

// offerDownload falls back to a single-use download link for the artifact.
func (s *Streamer) offerDownload(ctx context.Context, conn Conn, art *Artifact) (Outcome, error) {
	token, err := s.tokens.Issue(art.Path)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("pipeline: issue download token: %w", err)
	}

	url := token
	if s.cfg.BuildURL != nil {
		url = s.cfg.BuildURL(token)
	}

	err = conn.Send(ctx, protocol.Envelope{
		Type:      protocol.TypeOfferDownload,
		URL:       url,
		ExpiresIn: int(s.cfg.TokenTTL.Seconds()),
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("pipeline: offer download: %w", err)
	}
	return OutcomeDownload, nil
}
