package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/voicepin/voicepin/internal/session"
)

// Sweeper periodically reclaims disk and memory from sessions whose grace
// window has lapsed, and prunes expired download tokens.
type Sweeper struct {
	Interval  time.Duration
	Sessions  *session.Store
	Files     *Manager
	Downloads *DownloadStore
	Logger    *slog.Logger
}

// Run loops until ctx is cancelled. One sweep runs immediately on start so a
// restart cleans up leftovers without waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}

	s.sweep(log)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(log)
		}
	}
}

func (s *Sweeper) sweep(log *slog.Logger) {
	expired := s.Sessions.SweepExpired()
	for _, id := range expired {
		if err := s.Files.RemoveSession(id); err != nil {
			log.Warn("sweep: remove session artifacts", "session_id", id, "error", err)
		}
	}

	purged := 0
	if s.Downloads != nil {
		purged = s.Downloads.Purge()
	}
	if len(expired) > 0 || purged > 0 {
		log.Info("sweep complete", "expired_sessions", len(expired), "purged_tokens", purged)
	}
}
