package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStore_RecentEmpty(t *testing.T) {
	store := setupTestStore(t)

	entries, err := store.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %v", entries)
	}
}

func TestStore_RecordAndRecent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []Entry{
		{ServerID: "fs", Outcome: OutcomeFailed, Attempt: 3, Detail: "failed to establish handshake", At: base},
		{ServerID: "fs", Outcome: OutcomeAttached, Attempt: 1, LogPath: "/state/mcp/fs.log", At: base.Add(time.Second)},
		{ServerID: "git", Outcome: OutcomeAttached, Attempt: 2, At: base.Add(2 * time.Second)},
		{ServerID: "fs", Outcome: OutcomeExited, Detail: "code=0 signal=null", At: base.Add(3 * time.Second)},
	}
	for _, e := range records {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s): %v", e.Outcome, err)
		}
	}

	all, err := store.Recent(ctx, "", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len(Recent) = %d, want 4", len(all))
	}
	if all[0].Outcome != OutcomeExited || all[3].Outcome != OutcomeFailed {
		t.Errorf("Recent not newest first: %v ... %v", all[0].Outcome, all[3].Outcome)
	}
	if all[0].ID == "" {
		t.Error("Record did not assign an id")
	}
	if !all[0].At.Equal(base.Add(3 * time.Second)) {
		t.Errorf("At = %v, want %v", all[0].At, base.Add(3*time.Second))
	}

	fs, err := store.Recent(ctx, "fs", 2)
	if err != nil {
		t.Fatalf("Recent(fs): %v", err)
	}
	if len(fs) != 2 {
		t.Fatalf("len(Recent(fs, 2)) = %d, want 2", len(fs))
	}
	if fs[1].LogPath != "/state/mcp/fs.log" || fs[1].Attempt != 1 {
		t.Errorf("second fs entry = %+v", fs[1])
	}
}

func TestStore_SubSecondOrdering(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 100_000_000, time.UTC)

	store.Record(ctx, Entry{ServerID: "a", Outcome: OutcomeAttached, At: base})
	store.Record(ctx, Entry{ServerID: "a", Outcome: OutcomeExited, At: base.Add(20 * time.Millisecond)})

	got, err := store.Recent(ctx, "a", 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Outcome != OutcomeExited {
		t.Errorf("newest = %v, want exited", got)
	}
}

func TestStore_Prune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Record(ctx, Entry{ServerID: "old", Outcome: OutcomeFailed, At: now.Add(-48 * time.Hour)})
	store.Record(ctx, Entry{ServerID: "new", Outcome: OutcomeAttached, At: now})

	n, err := store.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
	left, _ := store.Recent(ctx, "", 10)
	if len(left) != 1 || left[0].ServerID != "new" {
		t.Errorf("after prune = %v", left)
	}
}

func TestNewStore_Idempotent(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	for i := 0; i < 2; i++ {
		if _, err := NewStore(db); err != nil {
			t.Fatalf("NewStore #%d: %v", i+1, err)
		}
	}
}
