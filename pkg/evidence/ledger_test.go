package evidence

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"
)

func TestAppendChainsEntries(t *testing.T) {
	l := NewLedger().WithClock(func() time.Time { return time.Unix(1_770_000_000, 0) })
	ctx := context.Background()

	e1, err := l.Append(ctx, EntryPatchEvidence, "patch", map[string]any{"plan_id": "plan-1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e1.PrevHash != "genesis" || !strings.HasPrefix(e1.ContentHash, "sha256:") {
		t.Fatalf("bad first entry: %+v", e1)
	}

	e2, err := l.Append(ctx, EntryFinding, "detection", map[string]any{"finding_id": "f-1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e2.PrevHash != e1.ContentHash {
		t.Fatal("chain not linked")
	}
	if l.Head() != e2.ContentHash {
		t.Fatal("head not advanced")
	}

	if ok, detail := l.Verify(); !ok {
		t.Fatalf("verify failed: %s", detail)
	}
}

func TestAppendIsIdempotentPerContent(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()

	data := map[string]any{"plan_id": "plan-1", "status": "failed"}
	e1, err := l.Append(ctx, EntryPatchEvidence, "patch", data)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	e2, err := l.Append(ctx, EntryPatchEvidence, "patch", map[string]any{"status": "failed", "plan_id": "plan-1"})
	if err != nil {
		t.Fatalf("re-append: %v", err)
	}
	if e1.Sequence != e2.Sequence || l.Length() != 1 {
		t.Fatalf("duplicate content grew the chain: %d entries", l.Length())
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	_, _ = l.Append(ctx, EntryFinding, "x", map[string]any{"a": "1"})
	_, _ = l.Append(ctx, EntryFinding, "x", map[string]any{"a": "2"})

	l.entries[0].Data["a"] = "tampered"
	if ok, _ := l.Verify(); ok {
		t.Fatal("tampering not detected")
	}
}

func TestFindByField(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	_, _ = l.Append(ctx, EntryPatchEvidence, "patch", map[string]any{"plan_id": "p1", "n": "a"})
	_, _ = l.Append(ctx, EntryPatchEvidence, "patch", map[string]any{"plan_id": "p2", "n": "b"})
	_, _ = l.Append(ctx, EntryTicketEvidence, "psa", map[string]any{"plan_id": "p1", "n": "c"})

	got := l.FindByField("plan_id", "p1")
	if len(got) != 2 {
		t.Fatalf("want 2 entries, got %d", len(got))
	}
}

func TestSQLitePersistAndReload(t *testing.T) {
	db, err := sql.Open("sqlite", "file:evidence_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = db.Close() }()

	p, err := NewSQLitePersister(db)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}

	ctx := context.Background()
	l := NewLedger().WithPersister(p)
	if _, err := l.Append(ctx, EntryPatchEvidence, "patch", map[string]any{"plan_id": "p1", "count": 3}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, EntryFinding, "detection", map[string]any{"finding_id": "f1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	restored := NewLedger().WithPersister(p)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Length() != 2 || restored.Head() != l.Head() {
		t.Fatalf("reload mismatch: len=%d", restored.Length())
	}
	if ok, detail := restored.Verify(); !ok {
		t.Fatalf("restored chain invalid: %s", detail)
	}

	// Dedup map survives the reload.
	e, err := restored.Append(ctx, EntryFinding, "detection", map[string]any{"finding_id": "f1"})
	if err != nil {
		t.Fatalf("idempotent append after reload: %v", err)
	}
	if e.Sequence != 2 || restored.Length() != 2 {
		t.Fatal("idempotency lost across reload")
	}
}
