package session

import "time"

const (
	// eventCap is the hard limit on retained events per session.
	eventCap = 100

	// eventTrimTo is the retained count after a trim.
	eventTrimTo = 50
)

// Event is one entry in a session's diagnostic log.
type Event struct {
	Time   time.Time `json:"time"`
	Type   string    `json:"type"`
	Detail string    `json:"detail,omitempty"`
}

// eventLog is an append-only log that trims itself: when it reaches eventCap
// entries only the most recent eventTrimTo survive. Not safe for concurrent
// use; the owning Session serializes access.
type eventLog struct {
	entries []Event
}

// append records an event, trimming when the cap is reached.
func (l *eventLog) append(e Event) {
	l.entries = append(l.entries, e)
	if len(l.entries) >= eventCap {
		kept := make([]Event, eventTrimTo)
		copy(kept, l.entries[len(l.entries)-eventTrimTo:])
		l.entries = kept
	}
}

// recent returns up to n most recent events, oldest first.
func (l *eventLog) recent(n int) []Event {
	if n <= 0 || len(l.entries) == 0 {
		return nil
	}
	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Event, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}
