package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open audit db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func fixedNow() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	// Reopening reuses the migrated schema.
	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	db.Close()
}

func TestAppendAndLatest(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	w := Writer{DB: db, Now: fixedNow}

	events := []struct {
		typ, kind, id string
	}{
		{TypeProjectInit, "project", "demo"},
		{TypeDecisionAllowed, "action", ""},
		{TypeDecisionBlocked, "action", ""},
		{TypeStepAdvanced, "project", "demo"},
	}
	for _, e := range events {
		if err := w.Append(ctx, e.typ, e.kind, e.id, "local-agent", Payload{"step": "planning"}); err != nil {
			t.Fatalf("append %s: %v", e.typ, err)
		}
	}

	got, err := Latest(ctx, db, 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4", len(got))
	}
	// Newest first.
	if got[0].Type != TypeStepAdvanced || got[3].Type != TypeProjectInit {
		t.Fatalf("unexpected order: first=%s last=%s", got[0].Type, got[3].Type)
	}
	if got[0].TS != "2024-01-01T12:00:00Z" {
		t.Fatalf("ts = %q", got[0].TS)
	}
	if got[1].EntityID != "" {
		t.Fatalf("empty entity id must round-trip empty, got %q", got[1].EntityID)
	}
}

func TestLatestFilters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	w := Writer{DB: db, Now: fixedNow}
	for i := 0; i < 3; i++ {
		if err := w.Append(ctx, TypeDecisionAllowed, "action", "", "a", nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Append(ctx, TypeDecisionBlocked, "action", "", "a", nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, TypePhaseCompleted, "project", "demo", "a", nil); err != nil {
		t.Fatal(err)
	}

	got, err := Latest(ctx, db, 10, TypeDecisionAllowed, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("type filter: got %d, want 3", len(got))
	}

	got, err = Latest(ctx, db, 10, "", "project")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Type != TypePhaseCompleted {
		t.Fatalf("kind filter: got %+v", got)
	}

	got, err = Latest(ctx, db, 2, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("limit: got %d, want 2", len(got))
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	rec, raw, err := CreateAPIKey(ctx, db, "ci-bot", "ci", fixedNow())
	if err != nil {
		t.Fatal(err)
	}
	if raw == "" || rec.ID == "" {
		t.Fatalf("incomplete key record %+v raw=%q", rec, raw)
	}

	actor, err := ActorForKey(ctx, db, raw)
	if err != nil {
		t.Fatal(err)
	}
	if actor != "ci-bot" {
		t.Fatalf("actor = %q", actor)
	}

	if _, err := ActorForKey(ctx, db, "glk_not-a-real-key"); err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestHashKeyIsStable(t *testing.T) {
	if HashKey("glk_abc") != HashKey("glk_abc") {
		t.Fatalf("hash must be deterministic")
	}
	if HashKey("glk_abc") == HashKey("glk_abd") {
		t.Fatalf("distinct keys must hash apart")
	}
}
