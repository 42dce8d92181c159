package registry

import (
	"context"
	"testing"
	"time"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplog"
	"github.com/golemsrv/durability/internal/oplogentry"
	"github.com/golemsrv/durability/internal/retry"
)

type fakeWorkerLister struct {
	workers []domain.OwnedWorkerId
}

func (f *fakeWorkerLister) ActiveWorkers(ctx context.Context) ([]domain.OwnedWorkerId, error) {
	return f.workers, nil
}

func entry(kind oplogentry.Kind) *oplogentry.Entry {
	return &oplogentry.Entry{Timestamp: time.Now(), Kind: kind}
}

func TestRetrySourceDueForRetry(t *testing.T) {
	log := oplog.NewMemoryLog()
	ctx := context.Background()

	retrying := domain.OwnedWorkerId{Project: "p", Component: "c", Worker: "retrying"}
	idle := domain.OwnedWorkerId{Project: "p", Component: "c", Worker: "idle"}

	create := entry(oplogentry.KindCreate)
	create.Create = &oplogentry.CreatePayload{ComponentRevision: 1}
	if _, err := log.Append(ctx, retrying, []*oplogentry.Entry{create}); err != nil {
		t.Fatalf("append create: %v", err)
	}
	err1 := entry(oplogentry.KindError)
	err1.Error = &oplogentry.ErrorPayload{Error: "net"}
	if _, err := log.Append(ctx, retrying, []*oplogentry.Entry{err1}); err != nil {
		t.Fatalf("append error: %v", err)
	}

	idleCreate := entry(oplogentry.KindCreate)
	idleCreate.Create = &oplogentry.CreatePayload{ComponentRevision: 1}
	if _, err := log.Append(ctx, idle, []*oplogentry.Entry{idleCreate}); err != nil {
		t.Fatalf("append idle create: %v", err)
	}

	lister := &fakeWorkerLister{workers: []domain.OwnedWorkerId{retrying, idle}}
	src := NewRetrySource(log, lister, retry.NewPolicy())

	due, err := src.DueForRetry(ctx, 0)
	if err != nil {
		t.Fatalf("due for retry: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected exactly one worker due, got %d", len(due))
	}
	if due[0].Worker != retrying {
		t.Fatalf("expected retrying worker due, got %v", due[0].Worker)
	}

	if err := src.MarkDispatched(ctx, retrying); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	due2, err := src.DueForRetry(ctx, 0)
	if err != nil {
		t.Fatalf("due for retry after dispatch: %v", err)
	}
	if len(due2) != 0 {
		t.Fatalf("expected debounce to suppress the just-dispatched worker, got %d", len(due2))
	}
}

func TestRetrySourceRespectsLimit(t *testing.T) {
	log := oplog.NewMemoryLog()
	ctx := context.Background()

	var workers []domain.OwnedWorkerId
	for i := 0; i < 3; i++ {
		w := domain.OwnedWorkerId{Project: "p", Component: "c", Worker: domain.WorkerID(string(rune('a' + i)))}
		create := entry(oplogentry.KindCreate)
		create.Create = &oplogentry.CreatePayload{ComponentRevision: 1}
		if _, err := log.Append(ctx, w, []*oplogentry.Entry{create}); err != nil {
			t.Fatalf("append create: %v", err)
		}
		errEntry := entry(oplogentry.KindError)
		errEntry.Error = &oplogentry.ErrorPayload{Error: "net"}
		if _, err := log.Append(ctx, w, []*oplogentry.Entry{errEntry}); err != nil {
			t.Fatalf("append error: %v", err)
		}
		workers = append(workers, w)
	}

	lister := &fakeWorkerLister{workers: workers}
	src := NewRetrySource(log, lister, retry.NewPolicy())

	due, err := src.DueForRetry(ctx, 2)
	if err != nil {
		t.Fatalf("due for retry: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(due))
	}
}
