package oplog

import (
	"context"
	"testing"
	"time"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplogentry"
)

func testWorker() domain.OwnedWorkerId {
	return domain.OwnedWorkerId{Project: "p1", Component: "c1", Worker: "w1"}
}

func createEntry() *oplogentry.Entry {
	return &oplogentry.Entry{
		Timestamp: time.Now(),
		Kind:      oplogentry.KindCreate,
		Create:    &oplogentry.CreatePayload{ComponentRevision: 1},
	}
}

func TestMemoryLogAppendAssignsIndices(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	w := testWorker()

	rng, err := log.Append(ctx, w, []*oplogentry.Entry{createEntry()})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rng.From != oplogentry.Initial || rng.To != oplogentry.Initial.Next() {
		t.Fatalf("unexpected range: %+v", rng)
	}

	last, err := log.GetLastIndex(ctx, w)
	if err != nil {
		t.Fatalf("get_last_index: %v", err)
	}
	if last != oplogentry.Initial {
		t.Fatalf("expected last index %d, got %d", oplogentry.Initial, last)
	}
}

func TestMemoryLogEmptyWorkerBoundary(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	w := testWorker()

	last, err := log.GetLastIndex(ctx, w)
	if err != nil {
		t.Fatalf("get_last_index: %v", err)
	}
	if last != oplogentry.None {
		t.Fatalf("expected None for empty worker, got %d", last)
	}

	entries, err := log.ReadRange(ctx, w, oplogentry.None, oplogentry.None.Next())
	if err != nil {
		t.Fatalf("read_range: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty read_range, got %d entries", len(entries))
	}
}

func TestMemoryLogReadRangeExactIndex(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	w := testWorker()

	if _, err := log.Append(ctx, w, []*oplogentry.Entry{createEntry(), createEntry(), createEntry()}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := log.ReadRange(ctx, w, 2, 3)
	if err != nil {
		t.Fatalf("read_range: %v", err)
	}
	if len(entries) != 1 || entries[0].Index != 2 {
		t.Fatalf("expected exactly index 2, got %+v", entries)
	}
}

func TestMemoryLogRejectsJumpPastCreate(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	w := testWorker()

	if _, err := log.Append(ctx, w, []*oplogentry.Entry{createEntry()}); err != nil {
		t.Fatalf("append: %v", err)
	}

	jump := &oplogentry.Entry{
		Timestamp: time.Now(),
		Kind:      oplogentry.KindJump,
		Jump:      &oplogentry.JumpPayload{Dropped: oplogentry.Range{From: oplogentry.Initial, To: 2}},
	}
	if _, err := log.Append(ctx, w, []*oplogentry.Entry{jump}); err == nil {
		t.Fatalf("expected error rejecting a Jump that drops the Create entry")
	}
}

func TestMemoryLogDropPrefix(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	w := testWorker()

	if _, err := log.Append(ctx, w, []*oplogentry.Entry{createEntry(), createEntry(), createEntry()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.DropPrefix(ctx, w, 2); err != nil {
		t.Fatalf("drop_prefix: %v", err)
	}
	entries, err := log.ReadRange(ctx, w, oplogentry.Initial, 10)
	if err != nil {
		t.Fatalf("read_range: %v", err)
	}
	if len(entries) != 1 || entries[0].Index != 3 {
		t.Fatalf("expected only index 3 remaining, got %+v", entries)
	}
}
