package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("still down")
	p := Policy{MaxAttempts: 3}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err: got %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestRetryStopsOnTerminal(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 5}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return Terminal(errors.New("bad credentials"))
	})
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("err: got %v, want ErrTerminal", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1 (no retry on terminal)", calls)
	}
}

func TestRetryTerminalPredicate(t *testing.T) {
	calls := 0
	sentinel := errors.New("quota")
	p := Policy{
		MaxAttempts: 5,
		Terminal:    func(err error) bool { return errors.Is(err, sentinel) },
	}
	p.Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	})
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour}
	err := p.Do(ctx, func(context.Context) error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) && err == nil {
		t.Errorf("err: got %v, want cancellation to surface", err)
	}
}

func TestDoWithResult(t *testing.T) {
	p := Policy{MaxAttempts: 2}
	calls := 0
	got, err := DoWithResult(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("DoWithResult: %v", err)
	}
	if got != "ok" {
		t.Errorf("result: got %q, want ok", got)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("stt", 3, time.Minute)
	fail := func() error { return errors.New("down") }

	for i := 0; i < 3; i++ {
		b.Execute(fail)
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after 3 failures: got %s, want open", got)
	}
	if err := b.Execute(fail); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("call while open: got %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerProbeClosesOnSuccess(t *testing.T) {
	b := NewBreaker("tts", 1, time.Minute)
	base := time.Unix(1000, 0)
	b.now = func() time.Time { return base }

	b.Execute(func() error { return errors.New("down") })
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state: got %s, want open", got)
	}

	// After the cooldown one probe goes through and recovery closes it.
	b.now = func() time.Time { return base.Add(61 * time.Second) }
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if got := b.State(); got != BreakerClosed {
		t.Errorf("state after good probe: got %s, want closed", got)
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewBreaker("tts", 1, time.Minute)
	base := time.Unix(1000, 0)
	b.now = func() time.Time { return base }

	b.Execute(func() error { return errors.New("down") })

	b.now = func() time.Time { return base.Add(61 * time.Second) }
	b.Execute(func() error { return errors.New("still down") })
	if got := b.State(); got != BreakerOpen {
		t.Errorf("state after failed probe: got %s, want open", got)
	}

	// Cooldown restarts from the failed probe.
	b.now = func() time.Time { return base.Add(90 * time.Second) }
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("call during second cooldown: got %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("stt", 3, time.Minute)
	b.Execute(func() error { return errors.New("down") })
	b.Execute(func() error { return errors.New("down") })
	b.Execute(func() error { return nil })
	b.Execute(func() error { return errors.New("down") })
	if got := b.State(); got != BreakerClosed {
		t.Errorf("state: got %s, want closed (success resets the streak)", got)
	}
}
