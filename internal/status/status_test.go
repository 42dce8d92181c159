package status

import (
	"context"
	"testing"
	"time"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplog"
	"github.com/golemsrv/durability/internal/oplogentry"
	"github.com/golemsrv/durability/internal/retry"
)

func testWorker() domain.OwnedWorkerId {
	return domain.OwnedWorkerId{Project: "p", Component: "c", Worker: "w"}
}

func mustAppend(t *testing.T, log oplog.Log, worker domain.OwnedWorkerId, entries ...*oplogentry.Entry) {
	t.Helper()
	if _, err := log.Append(context.Background(), worker, entries); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func entry(kind oplogentry.Kind) *oplogentry.Entry {
	return &oplogentry.Entry{Timestamp: time.Now(), Kind: kind}
}

// TestRetryFold exercises §8 end-to-end scenario 2.
func TestRetryFold(t *testing.T) {
	log := oplog.NewMemoryLog()
	worker := testWorker()
	ctx := context.Background()

	create := entry(oplogentry.KindCreate)
	create.Create = &oplogentry.CreatePayload{ComponentRevision: 1}
	mustAppend(t, log, worker, create)

	invoked := entry(oplogentry.KindExportedFunctionInvoked)
	invoked.ExportedFunctionInvoked = &oplogentry.ExportedFunctionInvokedPayload{IdempotencyKey: "K"}
	mustAppend(t, log, worker, invoked)

	err1 := entry(oplogentry.KindError)
	err1.Error = &oplogentry.ErrorPayload{Error: "net"}
	mustAppend(t, log, worker, err1)

	err2 := entry(oplogentry.KindError)
	err2.Error = &oplogentry.ErrorPayload{Error: "net"}
	mustAppend(t, log, worker, err2)

	policy := oplogentry.RetryPolicy{MaxAttempts: 3, MinDelay: 10 * time.Millisecond, Multiplier: 2}
	deriver := NewDeriver(log, retry.NewPolicy())
	rec, err := deriver.Derive(ctx, worker, nil, policy)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if rec.State != StateRetrying {
		t.Fatalf("expected Retrying after 2 errors under max_attempts=3, got %s", rec.State)
	}
	if rec.ConsecutiveErrors != 2 {
		t.Fatalf("expected 2 consecutive errors, got %d", rec.ConsecutiveErrors)
	}

	err3 := entry(oplogentry.KindError)
	err3.Error = &oplogentry.ErrorPayload{Error: "net"}
	mustAppend(t, log, worker, err3)

	rec2, err := deriver.Derive(ctx, worker, rec, policy)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if rec2.State != StateFailed {
		t.Fatalf("expected Failed after 3rd error exhausts max_attempts=3, got %s", rec2.State)
	}
}

// TestRevertScenario exercises §8 end-to-end scenario 3.
func TestRevertScenario(t *testing.T) {
	log := oplog.NewMemoryLog()
	worker := testWorker()
	ctx := context.Background()

	create := entry(oplogentry.KindCreate)
	create.Create = &oplogentry.CreatePayload{ComponentRevision: 1}
	mustAppend(t, log, worker, create) // index 1

	invokeA := entry(oplogentry.KindExportedFunctionInvoked)
	invokeA.ExportedFunctionInvoked = &oplogentry.ExportedFunctionInvokedPayload{IdempotencyKey: "A"}
	mustAppend(t, log, worker, invokeA) // index 2

	completeA := entry(oplogentry.KindExportedFunctionCompleted)
	completeA.ExportedFunctionCompleted = &oplogentry.ExportedFunctionCompletedPayload{}
	mustAppend(t, log, worker, completeA) // index 3

	invokeB := entry(oplogentry.KindExportedFunctionInvoked)
	invokeB.ExportedFunctionInvoked = &oplogentry.ExportedFunctionInvokedPayload{IdempotencyKey: "B"}
	mustAppend(t, log, worker, invokeB) // index 4

	revert := entry(oplogentry.KindRevert)
	revert.Revert = &oplogentry.RevertPayload{Dropped: oplogentry.Range{From: 4, To: 5}}
	mustAppend(t, log, worker, revert) // index 5

	policy := oplogentry.RetryPolicy{MaxAttempts: 3}
	deriver := NewDeriver(log, retry.NewPolicy())
	rec, err := deriver.Derive(ctx, worker, nil, policy)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if len(rec.PendingInvocations) != 0 {
		t.Fatalf("expected no pending invocations after reverting invoke B, got %d", len(rec.PendingInvocations))
	}
	if _, ok := rec.InvocationResults["A"]; !ok {
		t.Fatalf("expected invocation_results to retain A")
	}
	if _, ok := rec.InvocationResults["B"]; ok {
		t.Fatalf("expected invocation_results to not contain reverted B")
	}
	if rec.CurrentIdempotencyKey != nil {
		t.Fatalf("expected current_idempotency_key to be None (A completed, B reverted), got %v", *rec.CurrentIdempotencyKey)
	}
}

// TestUpdateQueueCollapse exercises §8 end-to-end scenario 5.
func TestUpdateQueueCollapse(t *testing.T) {
	log := oplog.NewMemoryLog()
	worker := testWorker()
	ctx := context.Background()

	create := entry(oplogentry.KindCreate)
	create.Create = &oplogentry.CreatePayload{ComponentRevision: 1}
	mustAppend(t, log, worker, create)

	manualUpdate := entry(oplogentry.KindPendingWorkerInvocation)
	manualUpdate.PendingWorkerInvocation = &oplogentry.PendingWorkerInvocationPayload{IdempotencyKey: "manual-update-7", FunctionName: "update"}
	mustAppend(t, log, worker, manualUpdate)

	pendingUpdate := entry(oplogentry.KindPendingUpdate)
	pendingUpdate.PendingUpdate = &oplogentry.PendingUpdatePayload{UpdateKind: oplogentry.UpdateSnapshotBased, TargetRevision: 7}
	mustAppend(t, log, worker, pendingUpdate)

	policy := oplogentry.RetryPolicy{MaxAttempts: 3}
	deriver := NewDeriver(log, retry.NewPolicy())
	rec, err := deriver.Derive(ctx, worker, nil, policy)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(rec.PendingUpdates) != 1 {
		t.Fatalf("expected 1 pending update, got %d", len(rec.PendingUpdates))
	}

	success := entry(oplogentry.KindSuccessfulUpdate)
	success.SuccessfulUpdate = &oplogentry.SuccessfulUpdatePayload{TargetRevision: 7, TargetSize: 2048}
	mustAppend(t, log, worker, success)

	rec2, err := deriver.Derive(ctx, worker, rec, policy)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if rec2.ComponentRevision != 7 {
		t.Fatalf("expected component_revision 7, got %d", rec2.ComponentRevision)
	}
	if rec2.ComponentSize != 2048 {
		t.Fatalf("expected component_size 2048, got %d", rec2.ComponentSize)
	}
	if len(rec2.PendingUpdates) != 0 {
		t.Fatalf("expected pending_updates empty after success, got %d", len(rec2.PendingUpdates))
	}
	if len(rec2.SuccessfulUpdates) != 1 {
		t.Fatalf("expected 1 successful update recorded, got %d", len(rec2.SuccessfulUpdates))
	}
}

func TestDeriveIsDeterministicAndIdempotent(t *testing.T) {
	log := oplog.NewMemoryLog()
	worker := testWorker()
	ctx := context.Background()

	create := entry(oplogentry.KindCreate)
	create.Create = &oplogentry.CreatePayload{ComponentRevision: 1}
	mustAppend(t, log, worker, create)

	policy := oplogentry.RetryPolicy{MaxAttempts: 3}
	deriver := NewDeriver(log, retry.NewPolicy())

	a, err := deriver.Derive(ctx, worker, nil, policy)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := deriver.Derive(ctx, worker, nil, policy)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a.State != b.State || a.ComponentRevision != b.ComponentRevision {
		t.Fatalf("expected deterministic derivation, got %+v vs %+v", a, b)
	}

	c, err := deriver.Derive(ctx, worker, a, policy)
	if err != nil {
		t.Fatalf("derive from cache: %v", err)
	}
	if c.State != a.State {
		t.Fatalf("expected idempotent re-derivation from cache, got %s vs %s", c.State, a.State)
	}
}
