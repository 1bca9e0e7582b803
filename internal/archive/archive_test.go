package archive_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicepin/voicepin/internal/archive"
	"github.com/voicepin/voicepin/internal/pipeline"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOICEPIN_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOICEPIN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOICEPIN_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore opens a fresh archive with a clean table.
func newTestStore(t *testing.T) *archive.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS exchanges"); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	store, err := archive.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestRecordAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	records := []pipeline.ExchangeRecord{
		{SessionID: "dev-1", UserText: "hello", ReplyText: "hi", Confidence: 0.9, Outcome: pipeline.OutcomeStreamed, Elapsed: 1200 * time.Millisecond},
		{SessionID: "dev-1", UserText: "weather?", ReplyText: "sunny", Confidence: 0.8, Outcome: pipeline.OutcomeDownload, HadImage: true, Elapsed: 900 * time.Millisecond},
		{SessionID: "dev-2", UserText: "other device", ReplyText: "ok", Confidence: 1.0, Outcome: pipeline.OutcomeStreamed},
	}
	for _, rec := range records {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := store.Recent(ctx, "dev-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}

	// Newest first.
	if entries[0].UserText != "weather?" {
		t.Errorf("first entry: got %q, want the latest exchange", entries[0].UserText)
	}
	if !entries[0].HadImage {
		t.Error("had_image not persisted")
	}
	if entries[0].Outcome != string(pipeline.OutcomeDownload) {
		t.Errorf("outcome: got %q", entries[0].Outcome)
	}
	if entries[1].Elapsed != 1200*time.Millisecond {
		t.Errorf("elapsed: got %v, want 1.2s", entries[1].Elapsed)
	}
}

func TestRecentLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := pipeline.ExchangeRecord{
			SessionID: "dev-1",
			UserText:  "ping",
			ReplyText: "pong",
			Outcome:   pipeline.OutcomeStreamed,
		}
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := store.Recent(ctx, "dev-1", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("entries: got %d, want 3", len(entries))
	}
}
