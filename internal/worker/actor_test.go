package worker

import (
	"context"
	"testing"
	"time"

	"github.com/golemsrv/durability/internal/blobstore"
	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/durability"
	"github.com/golemsrv/durability/internal/oplog"
	"github.com/golemsrv/durability/internal/oplogentry"
	"github.com/golemsrv/durability/internal/retry"
	"github.com/golemsrv/durability/internal/status"
)

func testWorker() domain.OwnedWorkerId {
	return domain.OwnedWorkerId{Project: "p", Component: "c", Worker: "w"}
}

func newTestActor(t *testing.T, log oplog.Log) *Actor {
	t.Helper()
	resolver := &durability.BlobPayloadResolver{Store: blobstore.NewMemStore()}
	return NewActor(log, testWorker(), resolver, retry.NewPolicy())
}

func TestActorAcquireReleaseIsExclusive(t *testing.T) {
	log := oplog.NewMemoryLog()
	a := newTestActor(t, log)
	ctx := context.Background()

	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := a.Acquire(context.Background()); err != nil {
			t.Errorf("second acquire: %v", err)
			return
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("second acquire succeeded while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	a.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second acquire never unblocked after release")
	}
	a.Release()
}

func TestActorAcquireRespectsCancellation(t *testing.T) {
	log := oplog.NewMemoryLog()
	a := newTestActor(t, log)
	ctx := context.Background()

	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer a.Release()

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := a.Acquire(waitCtx)
	if err == nil {
		t.Fatalf("expected cancellation error, acquired lock that was still held")
	}
}

func TestActorRefreshRebuildsCursorAndResources(t *testing.T) {
	log := oplog.NewMemoryLog()
	worker := testWorker()
	ctx := context.Background()

	create := &oplogentry.Entry{Timestamp: time.Now(), Kind: oplogentry.KindCreate, Create: &oplogentry.CreatePayload{ComponentRevision: 1}}
	if _, err := log.Append(ctx, worker, []*oplogentry.Entry{create}); err != nil {
		t.Fatalf("append create: %v", err)
	}
	createRes := &oplogentry.Entry{Timestamp: time.Now(), Kind: oplogentry.KindCreateResource, CreateResource: &oplogentry.CreateResourcePayload{ResourceID: 1, Name: "fh", Params: []string{"/tmp/x"}}}
	if _, err := log.Append(ctx, worker, []*oplogentry.Entry{createRes}); err != nil {
		t.Fatalf("append create_resource: %v", err)
	}

	a := newTestActor(t, log)
	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer a.Release()

	rec, err := a.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected a non-nil status record")
	}
	if a.Cursor() == nil {
		t.Fatalf("expected refresh to build a replay cursor")
	}
	if a.Host() == nil {
		t.Fatalf("expected refresh to build a durability host")
	}
	if len(rec.Resources) != 1 {
		t.Fatalf("expected 1 resource after create_resource, got %d", len(rec.Resources))
	}
	if _, ok := a.Resources().Get(1); !ok {
		t.Fatalf("expected resource table to restore resource id 1")
	}
}

// TestActorRefreshReconcilesOpenBracketAfterCrash exercises §3.2's "an open
// bracket must be treated as a failed write to retry" invariant: a worker
// resuming after a crash that left a BeginRemoteWrite unterminated must
// come back Retrying, and the rebuilt Host must see the open bracket even
// though it never issued the BeginDurableFunction call itself.
func TestActorRefreshReconcilesOpenBracketAfterCrash(t *testing.T) {
	log := oplog.NewMemoryLog()
	worker := testWorker()
	ctx := context.Background()

	create := &oplogentry.Entry{Timestamp: time.Now(), Kind: oplogentry.KindCreate, Create: &oplogentry.CreatePayload{ComponentRevision: 1}}
	if _, err := log.Append(ctx, worker, []*oplogentry.Entry{create}); err != nil {
		t.Fatalf("append create: %v", err)
	}
	begin := &oplogentry.Entry{Timestamp: time.Now(), Kind: oplogentry.KindBeginRemoteWrite, BeginRemoteWrite: &oplogentry.BeginRemoteWritePayload{}}
	rng, err := log.Append(ctx, worker, []*oplogentry.Entry{begin})
	if err != nil {
		t.Fatalf("append begin_remote_write: %v", err)
	}
	// Process "crashes" here: no EndRemoteWrite ever gets appended.

	a := newTestActor(t, log)
	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer a.Release()

	rec, err := a.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec.State != status.StateRetrying {
		t.Fatalf("expected Retrying after resuming with an open bracket, got %s", rec.State)
	}
	if _, open := rec.OpenBrackets[rng.From]; !open {
		t.Fatalf("expected status fold to report the begin_remote_write bracket as open")
	}
	if _, open := a.Host().OpenBrackets()[rng.From]; !open {
		t.Fatalf("expected the rebuilt Host to see the reconciled open bracket")
	}
}

func TestActorReacquirePermitsRoundTrips(t *testing.T) {
	log := oplog.NewMemoryLog()
	a := newTestActor(t, log)
	ctx := context.Background()

	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := a.ReacquirePermits(ctx); err != nil {
		t.Fatalf("reacquire permits: %v", err)
	}
	a.Release()
}
