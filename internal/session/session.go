// Package session holds the per-device session model: the state machine, the
// diagnostic event log, conversation history, quotas, and the store that
// enforces the single-active-session policy with a grace window for
// reconnects.
package session

import (
	"sync"
	"time"
)

// Turn is one conversation turn retained as LLM context.
type Turn struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Content is the turn text.
	Content string `json:"content"`

	// At is when the turn completed.
	At time.Time `json:"at"`
}

// PendingImage is an uploaded image waiting to become visual context for the
// next exchange.
type PendingImage struct {
	// Data is the stored (possibly downscaled) encoded image.
	Data []byte

	// MIMEType is "image/jpeg" or "image/png".
	MIMEType string

	// Path is the on-disk artifact; ThumbPath the 256 px thumbnail.
	// ThumbBytes is the thumbnail's size, kept for disk accounting after
	// the file is written.
	Path       string
	ThumbPath  string
	ThumbBytes int

	Width  int
	Height int

	UploadedAt time.Time
}

// Limits carries the per-session policy derived from configuration.
type Limits struct {
	MaxRerecordAttempts int
	MaxHistoryTurns     int
	LLMHistoryTurns     int
	MaxSessionDiskBytes int64
}

// Snapshot is the read-only view served by the /state endpoint.
type Snapshot struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	Attached       bool      `json:"attached"`
	RetryCount     int       `json:"retry_count"`
	ChunksReceived int64     `json:"chunks_received"`
	BytesReceived  int64     `json:"bytes_received"`
	DiskUsedBytes  int64     `json:"disk_used_bytes"`
	HistoryTurns   int       `json:"history_turns"`
	HasImage       bool      `json:"has_image"`
	Events         []Event   `json:"events"`
}

// Session is the server-side record of one device session. All methods are
// safe for concurrent use.
type Session struct {
	// ID is the device-chosen session identifier. Immutable.
	ID string

	// Limits is the policy applied to this session. Immutable.
	Limits Limits

	mu             sync.Mutex
	state          State
	createdAt      time.Time
	lastActivity   time.Time
	attached       bool
	disconnectedAt time.Time

	retryCount     int
	chunksReceived int64
	bytesReceived  int64
	diskUsed       int64

	history []Turn
	events  eventLog
	image   *PendingImage
}

// newSession builds an attached session in the connected state.
func newSession(id string, limits Limits, now time.Time) *Session {
	return &Session{
		ID:           id,
		Limits:       limits,
		state:        StateConnected,
		createdAt:    now,
		lastActivity: now,
		attached:     true,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to the target state, recording the move in the
// event log. Illegal moves return an error wrapping [ErrInvalidTransition]
// and leave the state unchanged.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !canTransition(s.state, to) {
		s.events.append(Event{
			Time:   time.Now(),
			Type:   "transition_rejected",
			Detail: string(s.state) + " → " + string(to),
		})
		return transitionError(s.state, to)
	}
	s.events.append(Event{
		Time:   time.Now(),
		Type:   "transition",
		Detail: string(s.state) + " → " + string(to),
	})
	s.state = to
	s.lastActivity = time.Now()
	return nil
}

// AddEvent appends a diagnostic event.
func (s *Session) AddEvent(typ, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.append(Event{Time: time.Now(), Type: typ, Detail: detail})
}

// Touch refreshes the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// ── counters ─────────────────────────────────────────────────────────────────

// CountChunk records one accepted audio chunk.
func (s *Session) CountChunk(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunksReceived++
	s.bytesReceived += int64(bytes)
	s.lastActivity = time.Now()
}

// AddDiskUsage adjusts the session's disk accounting by delta (may be
// negative when artifacts are removed).
func (s *Session) AddDiskUsage(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diskUsed += delta
	if s.diskUsed < 0 {
		s.diskUsed = 0
	}
}

// DiskRemaining returns how many bytes the session may still write.
func (s *Session) DiskRemaining() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.Limits.MaxSessionDiskBytes - s.diskUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ── re-record policy ─────────────────────────────────────────────────────────

// RecordAttemptFailed bumps the retry counter and reports whether the cap is
// now exceeded. When it is, the counter resets so the device can try again
// after intervention.
func (s *Session) RecordAttemptFailed() (exceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
	if s.retryCount > s.Limits.MaxRerecordAttempts {
		s.retryCount = 0
		return true
	}
	return false
}

// ResetRetries clears the retry counter. Called on an ok recognition verdict,
// not on playback completion: a good utterance is what earns the reset.
func (s *Session) ResetRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount = 0
}

// RetryCount returns the current re-record attempt count.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// ── conversation history ─────────────────────────────────────────────────────

// AppendTurn records a conversation turn, pruning to Limits.MaxHistoryTurns.
func (s *Session) AppendTurn(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Turn{Role: role, Content: content, At: time.Now()})
	if max := s.Limits.MaxHistoryTurns; max > 0 && len(s.history) > max {
		s.history = append(s.history[:0:0], s.history[len(s.history)-max:]...)
	}
}

// ContextTurns returns the most recent Limits.LLMHistoryTurns turns, oldest
// first, for inclusion in the LLM prompt.
func (s *Session) ContextTurns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.Limits.LLMHistoryTurns
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]Turn, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// ── pending image ────────────────────────────────────────────────────────────

// SetPendingImage stores img as the visual context for the next exchange,
// replacing any previous pending image. Returns the replaced image so the
// caller can delete its artifacts.
func (s *Session) SetPendingImage(img *PendingImage) (replaced *PendingImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced = s.image
	s.image = img
	s.lastActivity = time.Now()
	return replaced
}

// TakePendingImage removes and returns the pending image, or nil. The image
// is consumed by the exchange that uses it.
func (s *Session) TakePendingImage() *PendingImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.image
	s.image = nil
	return img
}

// HasPendingImage reports whether a pending image is stored.
func (s *Session) HasPendingImage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image != nil
}

// ── attachment / grace ───────────────────────────────────────────────────────

// detach marks the session disconnected and starts the grace clock.
// Called by the store with its own lock held around the map, so this only
// guards session fields.
func (s *Session) detach(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = false
	s.disconnectedAt = now
	s.events.append(Event{Time: now, Type: "detached"})
}

// reattach marks the session attached again after a reconnect.
func (s *Session) reattach(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = true
	s.disconnectedAt = time.Time{}
	s.lastActivity = now
	s.events.append(Event{Time: now, Type: "reattached"})
}

// Attached reports whether a live connection owns this session.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// expired reports whether a detached session has outlived the grace window.
func (s *Session) expired(now time.Time, grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return false
	}
	return now.Sub(s.disconnectedAt) > grace
}

// Snapshot returns the /state view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.ID,
		State:          s.state,
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
		Attached:       s.attached,
		RetryCount:     s.retryCount,
		ChunksReceived: s.chunksReceived,
		BytesReceived:  s.bytesReceived,
		DiskUsedBytes:  s.diskUsed,
		HistoryTurns:   len(s.history),
		HasImage:       s.image != nil,
		Events:         s.events.recent(20),
	}
}
