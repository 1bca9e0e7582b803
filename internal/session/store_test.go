package session

import (
	"errors"
	"testing"
	"time"
)

// These tests drive the store's clock directly, so they live inside the
// package.

func TestGraceResume(t *testing.T) {
	st := NewStore(Limits{MaxHistoryTurns: 10}, 30*time.Second)
	base := time.Unix(1000, 0)
	st.now = func() time.Time { return base }

	s, _, err := st.Acquire("dev-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.AppendTurn("user", "remember me")
	st.Detach("dev-1")

	// Within grace: same id resumes with history intact.
	st.now = func() time.Time { return base.Add(10 * time.Second) }
	resumedSession, resumed, err := st.Acquire("dev-1")
	if err != nil {
		t.Fatalf("Acquire within grace: %v", err)
	}
	if !resumed {
		t.Error("expected resumed=true within grace window")
	}
	if got := len(resumedSession.ContextTurns()); got != 1 {
		t.Errorf("history after resume: got %d turns, want 1", got)
	}
}

func TestGraceBlocksOtherIDs(t *testing.T) {
	st := NewStore(Limits{}, 30*time.Second)
	base := time.Unix(1000, 0)
	st.now = func() time.Time { return base }

	st.Acquire("dev-1")
	st.Detach("dev-1")

	// A different id during the grace window is still a conflict.
	st.now = func() time.Time { return base.Add(10 * time.Second) }
	if _, _, err := st.Acquire("dev-2"); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("other id during grace: got %v, want ErrSessionConflict", err)
	}

	// After the window the old record is dropped and a new id is welcome.
	st.now = func() time.Time { return base.Add(31 * time.Second) }
	if _, _, err := st.Acquire("dev-2"); err != nil {
		t.Errorf("other id after grace: %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	st := NewStore(Limits{}, 30*time.Second)
	base := time.Unix(1000, 0)
	st.now = func() time.Time { return base }

	st.Acquire("dev-1")
	st.Detach("dev-1")

	st.now = func() time.Time { return base.Add(29 * time.Second) }
	if expired := st.SweepExpired(); len(expired) != 0 {
		t.Errorf("sweep before expiry removed %v", expired)
	}

	st.now = func() time.Time { return base.Add(31 * time.Second) }
	expired := st.SweepExpired()
	if len(expired) != 1 || expired[0] != "dev-1" {
		t.Errorf("sweep after expiry: got %v, want [dev-1]", expired)
	}
	if st.ActiveCount() != 0 {
		t.Errorf("active count after sweep: got %d, want 0", st.ActiveCount())
	}
}

func TestEventLogTrims(t *testing.T) {
	var l eventLog
	for i := 0; i < 100; i++ {
		l.append(Event{Type: "tick"})
	}
	if got := len(l.entries); got != eventTrimTo {
		t.Errorf("entries after cap: got %d, want %d", got, eventTrimTo)
	}
	// Still appends normally after a trim.
	l.append(Event{Type: "tock"})
	if got := len(l.entries); got != eventTrimTo+1 {
		t.Errorf("entries after trim+append: got %d, want %d", got, eventTrimTo+1)
	}
	recent := l.recent(1)
	if len(recent) != 1 || recent[0].Type != "tock" {
		t.Errorf("recent(1): got %v, want the latest event", recent)
	}
}
