// Package protocol defines the JSON text frames exchanged with the device
// over the duplex WebSocket channel, plus the validation rules for the binary
// audio frames interleaved with them.
//
// Every text frame is a single JSON object with a "type" discriminator. The
// set of fields is flat and small, so one envelope struct with omitempty
// fields covers both directions; Decode rejects frames without a type and
// callers switch on Envelope.Type.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// Device → server message types.
const (
	TypeHello           = "hello"
	TypeStartRecording  = "start_recording"
	TypeStopRecording   = "stop_recording"
	TypeCancelRecording = "cancel_recording"
	TypeAudioChunkMeta  = "audio_chunk_meta"
	TypePlaybackReady   = "playback_ready"
	TypePlaybackDone    = "playback_complete"
	TypePlaybackError   = "playback_error"
	TypePing            = "ping"
	TypeStateQuery      = "state_query"
)

// Server → device message types.
const (
	TypeReady          = "ready"
	TypePong           = "pong"
	TypeAck            = "ack"
	TypeRecordStarted  = "record_started"
	TypeRecordStopped  = "record_stopped"
	TypeProcessing     = "processing_started"
	TypeSTTResult      = "stt_result"
	TypeReplyText      = "reply_text"
	TypeTTSReady       = "tts_ready"
	TypeTTSChunkMeta   = "tts_chunk_meta"
	TypeTTSDone        = "tts_done"
	TypeOfferDownload  = "offer_download"
	TypeImageReceived  = "image_received"
	TypeRerecord       = "rerecord_request"
	TypeIntervention   = "request_user_intervention"
	TypeSessionState   = "session_state"
	TypeError          = "error"
	TypeGoodbye        = "goodbye"
)

// WebSocket close codes used by the channel.
const (
	// CloseAuthRequired is sent when the token is missing or invalid.
	CloseAuthRequired = websocket.StatusPolicyViolation // 1008

	// CloseSessionConflict is sent when another session is already active.
	CloseSessionConflict = websocket.StatusTryAgainLater // 1013
)

// MinAudioChunkBytes is the smallest binary audio frame the server accepts.
// Anything shorter cannot hold audible 16-bit PCM and is refused.
const MinAudioChunkBytes = 32

// AckEvery is the cadence of cumulative ack frames during recording: one ack
// per this many accepted audio chunks.
const AckEvery = 4

// Envelope is a decoded text frame. Only the fields relevant to the Type are
// populated; the rest stay at their zero value and are omitted on encode.
type Envelope struct {
	Type string `json:"type"`

	// hello / ready
	SessionID       string `json:"session_id,omitempty"`
	Firmware        string `json:"firmware,omitempty"`
	SampleRate      int    `json:"sample_rate,omitempty"`
	ChunkSizeBytes  int    `json:"chunk_size_bytes,omitempty"`
	MaxRecordingSec int    `json:"max_recording_sec,omitempty"`
	ImageMaxBytes   int    `json:"image_max_bytes,omitempty"`
	Resumed         bool   `json:"resumed,omitempty"`

	// audio_chunk_meta / ack / tts_chunk_meta
	Seq   int  `json:"seq,omitempty"`
	Size  int  `json:"size,omitempty"`
	Count int  `json:"count,omitempty"`
	Last  bool `json:"last,omitempty"`

	// stt_result / reply_text
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// tts_ready
	Format     string `json:"format,omitempty"`
	TotalBytes int    `json:"total_bytes,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`

	// offer_download
	URL       string `json:"url,omitempty"`
	ExpiresIn int    `json:"expires_in,omitempty"`

	// image_received
	Filename string `json:"filename,omitempty"`

	// rerecord_request / error
	Reason      string `json:"reason,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`

	// session_state
	State string          `json:"state,omitempty"`
	Extra json.RawMessage `json:"extra,omitempty"`
}

// Decode parses a text frame. It returns an error for malformed JSON or for
// a frame without a type discriminator; unknown types decode fine and are the
// caller's business to ignore.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: frame missing type discriminator")
	}
	return env, nil
}

// Encode serializes a message for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s frame: %w", env.Type, err)
	}
	return data, nil
}

// ValidateAudioChunk checks a binary audio frame against the declared meta.
func ValidateAudioChunk(payload []byte, declaredSize int) error {
	if len(payload) < MinAudioChunkBytes {
		return fmt.Errorf("protocol: audio chunk of %d bytes is below the %d byte floor", len(payload), MinAudioChunkBytes)
	}
	if declaredSize > 0 && declaredSize != len(payload) {
		return fmt.Errorf("protocol: audio chunk size %d does not match declared %d", len(payload), declaredSize)
	}
	return nil
}
