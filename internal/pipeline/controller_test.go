package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/voicepin/voicepin/internal/pipeline"
	"github.com/voicepin/voicepin/internal/protocol"
	"github.com/voicepin/voicepin/internal/session"
	"github.com/voicepin/voicepin/pkg/audio"
	"github.com/voicepin/voicepin/pkg/provider/llm"
	llmmock "github.com/voicepin/voicepin/pkg/provider/llm/mock"
	"github.com/voicepin/voicepin/pkg/provider/stt"
	sttmock "github.com/voicepin/voicepin/pkg/provider/stt/mock"
	"github.com/voicepin/voicepin/pkg/provider/tts"
	ttsmock "github.com/voicepin/voicepin/pkg/provider/tts/mock"
)

type controllerFixture struct {
	ctl  *pipeline.Controller
	conn *fakeConn
	sess *session.Session
	ctx  context.Context

	// cancel drops the channel, as a device disconnect would.
	cancel context.CancelFunc

	store *session.Store

	// build wires a fresh controller on the same stages, for reconnect tests.
	build func(sess *session.Session, conn *fakeConn) *pipeline.Controller
}

// newControllerFixture wires a controller against mocks that succeed by
// default and starts its Run loop.
func newControllerFixture(t *testing.T, sttP *sttmock.Provider, llmP *llmmock.Provider, ttsP *ttsmock.Provider, limits session.Limits, chunkTimeout time.Duration) *controllerFixture {
	t.Helper()

	if limits.MaxRerecordAttempts == 0 {
		limits.MaxRerecordAttempts = 2
	}
	if limits.MaxHistoryTurns == 0 {
		limits.MaxHistoryTurns = 10
		limits.LLMHistoryTurns = 5
	}
	if limits.MaxSessionDiskBytes == 0 {
		limits.MaxSessionDiskBytes = 100 << 20
	}

	store := session.NewStore(limits, 30*time.Second)
	sess, _, err := store.Acquire("dev-test")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	conn := &fakeConn{}
	rec := pipeline.NewRecognizer(sttP, nil, nil, pipeline.RecognizerConfig{
		SampleRate:    16000,
		Channels:      1,
		MinDuration:   500 * time.Millisecond,
		ConfThreshold: 0.5,
	})
	gen := pipeline.NewGenerator(llmP, nil, pipeline.GeneratorConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Nanosecond,
	})
	syn := pipeline.NewSynthesizer(ttsP, nil, nil, pipeline.SynthesizerConfig{SampleRate: 16000})
	str := pipeline.NewStreamer(&fakeIssuer{}, nil, pipeline.StreamerConfig{
		ChunkSizeBytes: 16000,
		ReadyTimeout:   250 * time.Millisecond,
		TokenTTL:       300 * time.Second,
	})

	dir := t.TempDir()
	build := func(sess *session.Session, conn *fakeConn) *pipeline.Controller {
		return pipeline.NewController(sess, conn, rec, gen, syn, str, nil, nil, dir, pipeline.ControllerConfig{
			SampleRate:          16000,
			Channels:            1,
			ChunkSizeBytes:      16000,
			MaxRecordingBytes:   50 << 20,
			SeqTolerance:        10,
			MemorySpillBytes:    1 << 20,
			ChunkArrivalTimeout: chunkTimeout,
		})
	}
	ctl := build(sess, conn)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ctl.Run(ctx, false)

	return &controllerFixture{ctl: ctl, conn: conn, sess: sess, ctx: ctx, cancel: cancel, store: store, build: build}
}

func okMocks() (*sttmock.Provider, *llmmock.Provider, *ttsmock.Provider) {
	pcm := audio.Tone(440, 500, 16000, 2000)
	return &sttmock.Provider{Result: &stt.Transcript{Text: "what's the weather", Confidence: 0.9}},
		&llmmock.Provider{Response: &llm.CompletionResponse{Content: "Sunny."}},
		&ttsmock.Provider{Result: &tts.Result{WAV: audio.EncodeWAV(pcm, 16000, 1)}}
}

func (f *controllerFixture) text(env protocol.Envelope) {
	f.ctl.Deliver(f.ctx, pipeline.Frame{Text: &env})
}

func (f *controllerFixture) chunk(seq, size int, fill byte) {
	f.text(protocol.Envelope{Type: protocol.TypeAudioChunkMeta, Seq: seq, Size: size})
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = fill
	}
	f.ctl.Deliver(f.ctx, pipeline.Frame{Binary: payload})
}

// record delivers a full recording of five chunks. Fill 0x01 yields a
// moderate signal level; 0x00 is silence.
func (f *controllerFixture) record(fill byte) {
	f.text(protocol.Envelope{Type: protocol.TypeStartRecording})
	for i := 0; i < 5; i++ {
		f.chunk(i, 8000, fill)
	}
	f.text(protocol.Envelope{Type: protocol.TypeStopRecording})
}

func (f *controllerFixture) waitState(t *testing.T, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.sess.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state: got %s, want %s", f.sess.State(), want)
}

func TestControllerHappyExchange(t *testing.T) {
	sttP, llmP, ttsP := okMocks()
	f := newControllerFixture(t, sttP, llmP, ttsP, session.Limits{}, time.Second)

	// Script the device side of the playback handshake.
	f.conn.onSend = func(env protocol.Envelope) {
		switch env.Type {
		case protocol.TypeTTSReady:
			go f.text(protocol.Envelope{Type: protocol.TypePlaybackReady})
		case protocol.TypeTTSDone:
			go f.text(protocol.Envelope{Type: protocol.TypePlaybackDone})
		}
	}

	ready := waitForFrame(t, f.conn, protocol.TypeReady)
	if ready.SessionID != "dev-test" {
		t.Errorf("ready session_id: got %q", ready.SessionID)
	}

	f.record(0x01)

	waitForFrame(t, f.conn, protocol.TypeRecordStarted)
	stopped := waitForFrame(t, f.conn, protocol.TypeRecordStopped)
	if stopped.TotalBytes != 40000 {
		t.Errorf("record_stopped total_bytes: got %d, want 40000", stopped.TotalBytes)
	}

	waitForFrame(t, f.conn, protocol.TypeProcessing)
	sttRes := waitForFrame(t, f.conn, protocol.TypeSTTResult)
	if sttRes.Text != "what's the weather" {
		t.Errorf("stt_result text: got %q", sttRes.Text)
	}
	reply := waitForFrame(t, f.conn, protocol.TypeReplyText)
	if reply.Text != "Sunny." {
		t.Errorf("reply_text: got %q", reply.Text)
	}
	waitForFrame(t, f.conn, protocol.TypeTTSDone)

	f.waitState(t, session.StateIdle)

	// One cumulative ack after the fourth chunk.
	ack, ok := f.conn.firstOfType(protocol.TypeAck)
	if !ok {
		t.Fatal("no ack frame")
	}
	if ack.Count != 4 {
		t.Errorf("ack count: got %d, want 4", ack.Count)
	}

	if turns := f.sess.ContextTurns(); len(turns) != 2 {
		t.Errorf("history turns: got %d, want 2", len(turns))
	}
}

func TestControllerRerecordOnQuietAudio(t *testing.T) {
	sttP, llmP, ttsP := okMocks()
	f := newControllerFixture(t, sttP, llmP, ttsP, session.Limits{}, time.Second)

	waitForFrame(t, f.conn, protocol.TypeReady)
	f.record(0x00)

	rr := waitForFrame(t, f.conn, protocol.TypeRerecord)
	if rr.Reason != "too_quiet" {
		t.Errorf("reason: got %q, want too_quiet", rr.Reason)
	}
	if rr.Attempt != 1 {
		t.Errorf("attempt: got %d, want 1", rr.Attempt)
	}
	f.waitState(t, session.StateIdle)

	if len(sttP.TranscribeCalls) != 0 {
		t.Error("silent audio must not reach the transcriber")
	}
}

func TestControllerInterventionAfterRetryCap(t *testing.T) {
	sttP, llmP, ttsP := okMocks()
	f := newControllerFixture(t, sttP, llmP, ttsP, session.Limits{MaxRerecordAttempts: 1}, time.Second)

	waitForFrame(t, f.conn, protocol.TypeReady)

	f.record(0x00)
	waitForFrame(t, f.conn, protocol.TypeRerecord)
	f.waitState(t, session.StateIdle)

	f.record(0x00)
	waitForFrame(t, f.conn, protocol.TypeIntervention)
	f.waitState(t, session.StateIdle)

	// Exceeding the cap resets the counter for a fresh start.
	if got := f.sess.RetryCount(); got != 0 {
		t.Errorf("retry count after intervention: got %d, want 0", got)
	}
}

func TestControllerStallTimeout(t *testing.T) {
	sttP, llmP, ttsP := okMocks()
	f := newControllerFixture(t, sttP, llmP, ttsP, session.Limits{}, 40*time.Millisecond)

	waitForFrame(t, f.conn, protocol.TypeReady)
	f.text(protocol.Envelope{Type: protocol.TypeStartRecording})
	waitForFrame(t, f.conn, protocol.TypeRecordStarted)

	rr := waitForFrame(t, f.conn, protocol.TypeRerecord)
	if rr.Reason != "stalled" {
		t.Errorf("reason: got %q, want stalled", rr.Reason)
	}
	f.waitState(t, session.StateIdle)
}

func TestControllerDetachMidRecordingStallsThenResumes(t *testing.T) {
	sttP, llmP, ttsP := okMocks()
	f := newControllerFixture(t, sttP, llmP, ttsP, session.Limits{}, time.Second)

	waitForFrame(t, f.conn, protocol.TypeReady)
	f.text(protocol.Envelope{Type: protocol.TypeStartRecording})
	waitForFrame(t, f.conn, protocol.TypeRecordStarted)
	f.chunk(0, 8000, 0x01)
	f.chunk(1, 8000, 0x01)

	// The channel drops mid-recording; the session parks in stalled.
	f.cancel()
	f.waitState(t, session.StateStalled)
	f.store.Detach("dev-test")

	sess, resumed, err := f.store.Acquire("dev-test")
	if err != nil {
		t.Fatalf("Acquire after detach: %v", err)
	}
	if !resumed {
		t.Fatal("expected the session to resume within grace")
	}

	conn2 := &fakeConn{}
	ctl2 := f.build(sess, conn2)
	ctx2, cancel2 := context.WithCancel(context.Background())
	t.Cleanup(cancel2)
	go ctl2.Run(ctx2, resumed)

	ready := waitForFrame(t, conn2, protocol.TypeReady)
	if !ready.Resumed {
		t.Error("ready should mark the session resumed")
	}
	state := waitForFrame(t, conn2, protocol.TypeSessionState)
	if state.State != string(session.StateIdle) {
		t.Errorf("state_sync state: got %q, want idle", state.State)
	}
	rr := waitForFrame(t, conn2, protocol.TypeRerecord)
	if rr.Reason != "stalled" {
		t.Errorf("reason: got %q, want stalled", rr.Reason)
	}
	f.waitState(t, session.StateIdle)

	// The discarded take does not block a fresh recording.
	ctl2.Deliver(ctx2, pipeline.Frame{Text: &protocol.Envelope{Type: protocol.TypeStartRecording}})
	waitForFrame(t, conn2, protocol.TypeRecordStarted)
}

func TestControllerChunkSizeMismatchAbortsRecording(t *testing.T) {
	sttP, llmP, ttsP := okMocks()
	f := newControllerFixture(t, sttP, llmP, ttsP, session.Limits{}, time.Second)

	waitForFrame(t, f.conn, protocol.TypeReady)
	f.text(protocol.Envelope{Type: protocol.TypeStartRecording})
	waitForFrame(t, f.conn, protocol.TypeRecordStarted)

	// Declared 16000 bytes, delivered 8000: the take is poisoned.
	f.text(protocol.Envelope{Type: protocol.TypeAudioChunkMeta, Seq: 0, Size: 16000})
	f.ctl.Deliver(f.ctx, pipeline.Frame{Binary: make([]byte, 8000)})

	rr := waitForFrame(t, f.conn, protocol.TypeRerecord)
	if rr.Reason != "frame_protocol_violation" {
		t.Errorf("reason: got %q, want frame_protocol_violation", rr.Reason)
	}
	f.waitState(t, session.StateIdle)

	if len(sttP.TranscribeCalls) != 0 {
		t.Error("a violated recording must not reach the transcriber")
	}
}

func TestControllerCancelRecording(t *testing.T) {
	sttP, llmP, ttsP := okMocks()
	f := newControllerFixture(t, sttP, llmP, ttsP, session.Limits{}, time.Second)

	waitForFrame(t, f.conn, protocol.TypeReady)
	f.text(protocol.Envelope{Type: protocol.TypeStartRecording})
	waitForFrame(t, f.conn, protocol.TypeRecordStarted)
	f.chunk(0, 8000, 0x01)

	f.text(protocol.Envelope{Type: protocol.TypeCancelRecording})
	waitForFrame(t, f.conn, protocol.TypeRecordStopped)
	f.waitState(t, session.StateIdle)

	// A fresh recording starts cleanly after the cancel.
	f.text(protocol.Envelope{Type: protocol.TypeStartRecording})
	waitForFrameCount(t, f.conn, protocol.TypeRecordStarted, 2)
}

func TestControllerPingAndStateQuery(t *testing.T) {
	sttP, llmP, ttsP := okMocks()
	f := newControllerFixture(t, sttP, llmP, ttsP, session.Limits{}, time.Second)

	waitForFrame(t, f.conn, protocol.TypeReady)

	f.text(protocol.Envelope{Type: protocol.TypePing})
	waitForFrame(t, f.conn, protocol.TypePong)

	f.text(protocol.Envelope{Type: protocol.TypeStateQuery})
	state := waitForFrame(t, f.conn, protocol.TypeSessionState)
	if state.State != string(session.StateIdle) {
		t.Errorf("state: got %q, want idle", state.State)
	}
	if len(state.Extra) == 0 {
		t.Error("session_state should carry the snapshot")
	}
}

func TestControllerSTTOutageReportsError(t *testing.T) {
	sttP, llmP, ttsP := okMocks()
	sttP.Err = context.DeadlineExceeded
	f := newControllerFixture(t, sttP, llmP, ttsP, session.Limits{}, time.Second)

	waitForFrame(t, f.conn, protocol.TypeReady)
	f.record(0x01)

	errFrame := waitForFrame(t, f.conn, protocol.TypeError)
	if errFrame.Kind != "stt" {
		t.Errorf("error kind: got %q, want stt", errFrame.Kind)
	}
	if !errFrame.Recoverable {
		t.Error("stt outage should be recoverable")
	}
	f.waitState(t, session.StateIdle)

	// A collaborator outage is not the user's fault.
	if got := f.sess.RetryCount(); got != 0 {
		t.Errorf("retry count: got %d, want 0", got)
	}
}
