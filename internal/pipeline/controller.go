package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/voicepin/voicepin/internal/ingest"
	"github.com/voicepin/voicepin/internal/observe"
	"github.com/voicepin/voicepin/internal/protocol"
	"github.com/voicepin/voicepin/internal/session"
)

// Frame is one inbound websocket frame, either a decoded text envelope or a
// binary audio payload.
type Frame struct {
	Text   *protocol.Envelope
	Binary []byte
}

// ExchangeRecord is one completed exchange, handed to the optional archive.
type ExchangeRecord struct {
	SessionID  string
	UserText   string
	ReplyText  string
	Confidence float64
	Outcome    Outcome
	Degraded   bool
	HadImage   bool
	Elapsed    time.Duration
}

// ExchangeSink persists completed exchanges. The postgres archive implements
// it; a nil sink disables archiving.
type ExchangeSink interface {
	Record(ctx context.Context, rec ExchangeRecord) error
}

// ControllerConfig parameterizes a Controller.
type ControllerConfig struct {
	SampleRate int
	Channels   int

	// ChunkSizeBytes and the recording limits are advertised to the device
	// in the ready frame.
	ChunkSizeBytes    int
	MaxRecordingBytes int64
	ImageMaxBytes     int

	SeqTolerance        int
	MemorySpillBytes    int
	ChunkArrivalTimeout time.Duration
}

// Controller owns one connected session: it dispatches the device's frames,
// runs the ingest buffer during recording, and drives the exchange pipeline
// after stop_recording. All recording state is confined to the Run
// goroutine; the exchange runs in its own goroutine and talks to the device
// through the shared Conn.
type Controller struct {
	sess    *session.Session
	conn    Conn
	rec     *Recognizer
	gen     *Generator
	syn     *Synthesizer
	str     *Streamer
	sink    ExchangeSink
	metrics *observe.Metrics
	dir     string
	cfg     ControllerConfig

	inbound  chan Frame
	playback chan protocol.Envelope

	// Recording state, owned by Run.
	buffer         *ingest.Buffer
	pendingMeta    *protocol.Envelope
	lastSeq        int
	chunksSinceAck int
	stall          *time.Timer

	// Exchange state, owned by Run.
	exchangeCancel context.CancelFunc
	exchangeDone   chan struct{}
}

// NewController wires a Controller for one accepted connection. dir is the
// session's artifact directory.
func NewController(sess *session.Session, conn Conn, rec *Recognizer, gen *Generator, syn *Synthesizer, str *Streamer, sink ExchangeSink, metrics *observe.Metrics, dir string, cfg ControllerConfig) *Controller {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if cfg.ChunkArrivalTimeout <= 0 {
		cfg.ChunkArrivalTimeout = 5 * time.Second
	}
	return &Controller{
		sess:     sess,
		conn:     conn,
		rec:      rec,
		gen:      gen,
		syn:      syn,
		str:      str,
		sink:     sink,
		metrics:  metrics,
		dir:      dir,
		cfg:      cfg,
		inbound:  make(chan Frame, 64),
		playback: make(chan protocol.Envelope, 8),
	}
}

// Deliver hands an inbound frame to the Run loop. It drops the frame when
// the controller is backed up; the device retries at the protocol level.
func (c *Controller) Deliver(ctx context.Context, f Frame) {
	select {
	case c.inbound <- f:
	default:
		observe.Logger(ctx).Warn("inbound frame dropped, controller backlogged")
	}
}

// Run sends the ready frame and dispatches frames until ctx is cancelled or
// the device says goodbye. The caller detaches the session afterwards.
func (c *Controller) Run(ctx context.Context, resumed bool) error {
	log := observe.Logger(ctx).With("session_id", c.sess.ID)

	err := c.conn.Send(ctx, protocol.Envelope{
		Type:           protocol.TypeReady,
		SessionID:      c.sess.ID,
		SampleRate:     c.cfg.SampleRate,
		ChunkSizeBytes: c.cfg.ChunkSizeBytes,
		ImageMaxBytes:  c.cfg.ImageMaxBytes,
		Resumed:        resumed,
	})
	if err != nil {
		return err
	}

	if c.sess.State() == session.StateConnected {
		if err := c.sess.Transition(session.StateIdle); err != nil {
			return err
		}
	}

	// A session that stalled when its last channel detached mid-recording
	// starts over: the partial audio is already discarded, so tell the
	// device what happened and ask for a fresh take.
	if c.sess.State() == session.StateStalled {
		if err := c.sess.Transition(session.StateIdle); err != nil {
			return err
		}
		c.sendState(ctx, log)
		c.send(ctx, log, protocol.Envelope{
			Type:    protocol.TypeRerecord,
			Reason:  "stalled",
			Attempt: c.sess.RetryCount(),
		})
	}

	// Timer is created stopped; it only runs while recording.
	c.stall = time.NewTimer(time.Hour)
	c.stall.Stop()
	defer c.stall.Stop()
	defer func() { c.cleanup(log) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-c.stall.C:
			c.handleStall(ctx, log)

		case f := <-c.inbound:
			if f.Binary != nil {
				c.handleChunk(ctx, log, f.Binary)
				continue
			}
			if f.Text == nil {
				continue
			}
			if done := c.handleEnvelope(ctx, log, *f.Text); done {
				return nil
			}
		}
	}
}

// cleanup aborts any in-flight recording and exchange on the way out. A
// detach mid-recording parks the session in stalled; a reattach within grace
// normalizes it back to idle.
func (c *Controller) cleanup(log *slog.Logger) {
	if c.buffer != nil {
		c.buffer.Abort()
		c.buffer = nil
		if c.sess.State() == session.StateRecording {
			if err := c.sess.Transition(session.StateStalled); err != nil {
				log.Error("stalled transition on detach failed", "error", err)
			}
		}
	}
	if c.exchangeCancel != nil {
		c.exchangeCancel()
	}
}

func (c *Controller) handleEnvelope(ctx context.Context, log *slog.Logger, env protocol.Envelope) (done bool) {
	switch env.Type {
	case protocol.TypeHello:
		log.Info("device hello", "firmware", env.Firmware)

	case protocol.TypePing:
		c.send(ctx, log, protocol.Envelope{Type: protocol.TypePong})

	case protocol.TypeStateQuery:
		c.sendState(ctx, log)

	case protocol.TypeStartRecording:
		c.startRecording(ctx, log)

	case protocol.TypeAudioChunkMeta:
		meta := env
		c.pendingMeta = &meta

	case protocol.TypeStopRecording:
		c.stopRecording(ctx, log)

	case protocol.TypeCancelRecording:
		c.cancel(ctx, log)

	case protocol.TypePlaybackReady, protocol.TypePlaybackDone, protocol.TypePlaybackError:
		select {
		case c.playback <- env:
		default:
			log.Warn("playback frame dropped, no active exchange", "type", env.Type)
		}

	case protocol.TypeGoodbye:
		log.Info("device said goodbye")
		return true

	case typeExchangeFinished:
		c.exchangeCancel = nil
		c.exchangeDone = nil

	default:
		log.Debug("ignoring unknown frame type", "type", env.Type)
	}
	return false
}

func (c *Controller) startRecording(ctx context.Context, log *slog.Logger) {
	if err := c.sess.Transition(session.StateRecording); err != nil {
		c.sendError(ctx, log, "bad_state", "cannot start recording in state "+string(c.sess.State()), true)
		return
	}

	c.buffer = ingest.New(ingest.Config{
		SampleRate:       c.cfg.SampleRate,
		Channels:         c.cfg.Channels,
		MaxBytes:         c.cfg.MaxRecordingBytes,
		SeqTolerance:     c.cfg.SeqTolerance,
		MemorySpillBytes: c.cfg.MemorySpillBytes,
		Dir:              c.dir,
		DiskBudget:       c.sess.DiskRemaining,
	})
	c.pendingMeta = nil
	c.lastSeq = -1
	c.chunksSinceAck = 0
	c.stall.Reset(c.cfg.ChunkArrivalTimeout)

	c.send(ctx, log, protocol.Envelope{Type: protocol.TypeRecordStarted})
}

func (c *Controller) handleChunk(ctx context.Context, log *slog.Logger, payload []byte) {
	if c.buffer == nil || c.sess.State() != session.StateRecording {
		log.Debug("binary frame outside recording, ignored", "bytes", len(payload))
		return
	}

	declared := 0
	seq := c.lastSeq + 1
	if c.pendingMeta != nil {
		declared = c.pendingMeta.Size
		seq = c.pendingMeta.Seq
		c.pendingMeta = nil
	}

	if err := protocol.ValidateAudioChunk(payload, declared); err != nil {
		// The meta contract is strict: a frame that does not match its
		// declaration poisons the whole take.
		log.Warn("aborting recording on invalid chunk", "error", err)
		c.abortRecording(ctx, log, "frame_protocol_violation")
		return
	}

	err := c.buffer.Append(seq, payload)
	switch {
	case errors.Is(err, ingest.ErrGapTooLarge):
		log.Warn("aborting recording", "error", err)
		c.abortRecording(ctx, log, "sequence_gap")
		return
	case errors.Is(err, ingest.ErrQuotaExceeded):
		// The ceiling cuts the recording short; what arrived still gets
		// processed.
		log.Warn("recording hit quota, processing what arrived", "error", err)
		c.stopRecording(ctx, log)
		return
	case err != nil:
		log.Error("chunk append failed", "error", err)
		c.abortRecording(ctx, log, "server_error")
		return
	}

	c.lastSeq = seq
	c.sess.CountChunk(len(payload))
	c.metrics.RecordAudioChunk(ctx, len(payload))
	c.stall.Reset(c.cfg.ChunkArrivalTimeout)

	c.chunksSinceAck++
	if c.chunksSinceAck >= protocol.AckEvery {
		c.chunksSinceAck = 0
		c.send(ctx, log, protocol.Envelope{
			Type:  protocol.TypeAck,
			Seq:   seq,
			Count: c.buffer.Chunks(),
		})
	}
}

func (c *Controller) handleStall(ctx context.Context, log *slog.Logger) {
	if c.sess.State() != session.StateRecording {
		return
	}
	log.Warn("recording stalled, no chunks within timeout")
	if err := c.sess.Transition(session.StateStalled); err != nil {
		log.Error("stall transition failed", "error", err)
	}
	c.abortRecording(ctx, log, "stalled")
}

// abortRecording discards the buffer, applies retry accounting, and returns
// the session to idle.
func (c *Controller) abortRecording(ctx context.Context, log *slog.Logger, reason string) {
	if c.buffer != nil {
		c.buffer.Abort()
		c.buffer = nil
	}
	c.stall.Stop()
	c.metrics.RecordRerecord(ctx, reason)

	if exceeded := c.sess.RecordAttemptFailed(); exceeded {
		c.send(ctx, log, protocol.Envelope{
			Type:    protocol.TypeIntervention,
			Message: "Repeated recording problems — please check the device.",
		})
	} else {
		c.send(ctx, log, protocol.Envelope{
			Type:    protocol.TypeRerecord,
			Reason:  reason,
			Attempt: c.sess.RetryCount(),
		})
	}

	if err := c.sess.Transition(session.StateIdle); err != nil {
		log.Error("idle transition failed", "error", err)
	}
}

func (c *Controller) stopRecording(ctx context.Context, log *slog.Logger) {
	if c.buffer == nil || c.exchangeDone != nil {
		c.sendError(ctx, log, "bad_state", "no recording to stop", true)
		return
	}
	c.stall.Stop()

	rec, err := c.buffer.Finalize()
	c.buffer = nil
	if err != nil {
		log.Error("finalize recording failed", "error", err)
		c.sendError(ctx, log, "server_error", "could not assemble recording", true)
		c.toIdle(log)
		return
	}

	c.send(ctx, log, protocol.Envelope{
		Type:       protocol.TypeRecordStopped,
		Count:      rec.Chunks,
		TotalBytes: len(rec.PCM),
		DurationMs: int(rec.Duration.Milliseconds()),
	})

	if err := c.sess.Transition(session.StateProcessing); err != nil {
		log.Error("processing transition failed", "error", err)
		return
	}

	exchCtx, cancel := context.WithCancel(ctx)
	c.exchangeCancel = cancel
	done := make(chan struct{})
	c.exchangeDone = done

	go func() {
		defer close(done)
		defer cancel()
		c.runExchange(exchCtx, log, rec)
	}()

	// Reap the exchange without blocking the dispatch loop.
	go func() {
		<-done
		c.inbound <- Frame{Text: &protocol.Envelope{Type: typeExchangeFinished}}
	}()
}

// typeExchangeFinished is an internal marker frame the controller sends to
// itself when the exchange goroutine exits. It never goes on the wire.
const typeExchangeFinished = "_exchange_finished"

func (c *Controller) cancel(ctx context.Context, log *slog.Logger) {
	switch c.sess.State() {
	case session.StateRecording:
		if c.buffer != nil {
			c.buffer.Abort()
			c.buffer = nil
		}
		c.stall.Stop()
		c.toIdle(log)
		c.send(ctx, log, protocol.Envelope{Type: protocol.TypeRecordStopped})
		c.sendState(ctx, log)
	case session.StateProcessing, session.StatePlaying:
		if c.exchangeCancel != nil {
			c.exchangeCancel()
		}
	default:
		log.Debug("cancel in state with nothing to cancel", "state", c.sess.State())
	}
}

// runExchange drives recognize → generate → synthesize → stream for one
// finalized recording. It owns the processing/playing/idle transitions.
func (c *Controller) runExchange(ctx context.Context, log *slog.Logger, rec *ingest.Recording) {
	start := time.Now()
	defer func() {
		c.metrics.ExchangeDuration.Record(ctx, time.Since(start).Seconds())
	}()

	c.send(ctx, log, protocol.Envelope{Type: protocol.TypeProcessing})

	assessment := c.rec.Assess(ctx, rec)
	if assessment.Verdict != VerdictOK {
		c.finishRejected(ctx, log, assessment)
		return
	}

	c.sess.ResetRetries()
	c.send(ctx, log, protocol.Envelope{
		Type:       protocol.TypeSTTResult,
		Text:       assessment.Text,
		Confidence: assessment.Confidence,
	})

	img := c.sess.TakePendingImage()
	reply := c.gen.Generate(ctx, c.sess.ContextTurns(), assessment.Text, img)
	c.discardImage(log, img)

	c.sess.AppendTurn("user", assessment.Text)
	c.sess.AppendTurn("assistant", reply.Text)
	c.send(ctx, log, protocol.Envelope{Type: protocol.TypeReplyText, Text: reply.Text})

	art, err := c.syn.Synthesize(ctx, c.dir, reply.Text)
	if err != nil {
		log.Error("synthesis artifact failed", "error", err)
		c.sendError(ctx, log, "tts", "could not produce reply audio", true)
		c.metrics.RecordExchange(ctx, string(OutcomeFailed))
		c.toIdle(log)
		return
	}
	c.sess.AddDiskUsage(int64(len(art.Data)))

	if err := c.sess.Transition(session.StatePlaying); err != nil {
		log.Error("playing transition failed", "error", err)
		c.toIdle(log)
		return
	}

	outcome, err := c.str.Stream(ctx, c.conn, c.playback, art)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("streaming failed", "outcome", outcome, "error", err)
	}
	c.metrics.RecordExchange(ctx, string(outcome))
	c.toIdle(log)

	if c.sink != nil {
		record := ExchangeRecord{
			SessionID:  c.sess.ID,
			UserText:   assessment.Text,
			ReplyText:  reply.Text,
			Confidence: assessment.Confidence,
			Outcome:    outcome,
			Degraded:   reply.Degraded,
			HadImage:   img != nil,
			Elapsed:    time.Since(start),
		}
		if err := c.sink.Record(context.WithoutCancel(ctx), record); err != nil {
			log.Warn("archive write failed", "error", err)
		}
	}
}

// finishRejected handles every non-ok verdict: collaborator errors are
// reported as server trouble, quality problems prompt a re-record, and the
// retry cap escalates to user intervention.
func (c *Controller) finishRejected(ctx context.Context, log *slog.Logger, a *Assessment) {
	defer c.toIdle(log)

	if a.Verdict == VerdictProviderError {
		c.sendError(ctx, log, "stt", "transcription unavailable", true)
		c.metrics.RecordExchange(ctx, string(OutcomeFailed))
		return
	}

	log.Info("recording rejected", "verdict", a.Verdict, "rms", a.RMS)
	c.metrics.RecordRerecord(ctx, string(a.Verdict))

	if exceeded := c.sess.RecordAttemptFailed(); exceeded {
		c.send(ctx, log, protocol.Envelope{
			Type:    protocol.TypeIntervention,
			Message: "I couldn't make out several recordings in a row — please check the microphone.",
		})
		return
	}

	c.send(ctx, log, protocol.Envelope{
		Type:    protocol.TypeRerecord,
		Reason:  string(a.Verdict),
		Attempt: c.sess.RetryCount(),
	})
}

func (c *Controller) discardImage(log *slog.Logger, img *session.PendingImage) {
	if img == nil {
		return
	}
	if img.Path != "" {
		if err := os.Remove(img.Path); err != nil {
			log.Warn("remove used image", "error", err)
		}
	}
	if img.ThumbPath != "" {
		if err := os.Remove(img.ThumbPath); err != nil {
			log.Warn("remove used thumbnail", "error", err)
		}
	}
	c.sess.AddDiskUsage(-int64(len(img.Data) + img.ThumbBytes))
}

func (c *Controller) toIdle(log *slog.Logger) {
	state := c.sess.State()
	if state == session.StateIdle || state == session.StateClosed {
		return
	}
	if err := c.sess.Transition(session.StateIdle); err != nil {
		log.Error("idle transition failed", "from", state, "error", err)
	}
}

func (c *Controller) sendState(ctx context.Context, log *slog.Logger) {
	snap := c.sess.Snapshot()
	extra, err := json.Marshal(snap)
	if err != nil {
		log.Error("marshal session snapshot", "error", err)
		return
	}
	c.send(ctx, log, protocol.Envelope{
		Type:  protocol.TypeSessionState,
		State: string(snap.State),
		Extra: extra,
	})
}

func (c *Controller) sendError(ctx context.Context, log *slog.Logger, kind, message string, recoverable bool) {
	c.send(ctx, log, protocol.Envelope{
		Type:        protocol.TypeError,
		Kind:        kind,
		Message:     message,
		Recoverable: recoverable,
	})
}

func (c *Controller) send(ctx context.Context, log *slog.Logger, env protocol.Envelope) {
	if err := c.conn.Send(ctx, env); err != nil {
		log.Warn("send failed", "type", env.Type, "error", err)
	}
}
