package archive

import (
	"context"
	"testing"
	"time"

	"github.com/golemsrv/durability/internal/blobstore"
	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplogentry"
)

func mkEntries(from, to oplogentry.Index) []*oplogentry.Entry {
	var out []*oplogentry.Entry
	for i := from; i < to; i++ {
		out = append(out, &oplogentry.Entry{
			Index:     i,
			Timestamp: time.Now(),
			Kind:      oplogentry.KindLog,
			Log:       &oplogentry.LogPayload{Level: "info", Message: "x"},
		})
	}
	return out
}

func testSvc() (*MultiLayerService, domain.OwnedWorkerId) {
	store := blobstore.NewMemStore()
	idx := NewMemoryIndex()
	svc := NewMultiLayerService(store, idx, 1, 128)
	worker := domain.OwnedWorkerId{Project: "p", Component: "c", Worker: "w"}
	return svc, worker
}

func TestArchiveAppendAndReadRoundTrip(t *testing.T) {
	svc, worker := testSvc()
	ctx := context.Background()
	handle := svc.Open(worker)

	entries := mkEntries(1, 101)
	if err := handle.Append(ctx, entries); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := handle.Read(ctx, 100, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(got))
	}
	for i, e := range got {
		if e.Index != oplogentry.Index(91+i) {
			t.Fatalf("entry %d: expected index %d, got %d", i, 91+i, e.Index)
		}
	}
}

func TestArchiveAppendIdempotentOnEmpty(t *testing.T) {
	svc, worker := testSvc()
	ctx := context.Background()
	handle := svc.Open(worker)

	entries := mkEntries(1, 11)
	if err := handle.Append(ctx, entries); err != nil {
		t.Fatalf("append: %v", err)
	}
	before, err := handle.Read(ctx, 10, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := handle.Append(ctx, nil); err != nil {
		t.Fatalf("append empty: %v", err)
	}
	after, err := handle.Read(ctx, 10, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("append([]) changed read results: before=%d after=%d", len(before), len(after))
	}
}

func TestArchiveReadMissingLayerReturnsEmpty(t *testing.T) {
	svc, worker := testSvc()
	ctx := context.Background()
	handle := svc.Open(worker)

	got, err := handle.Read(ctx, 5, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty read for layer with no chunks, got %d entries", len(got))
	}
}

func TestArchiveDropPrefixRemovesDirectoryWhenEmpty(t *testing.T) {
	svc, worker := testSvc()
	ctx := context.Background()
	handle := svc.Open(worker)

	if err := handle.Append(ctx, mkEntries(1, 11)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := handle.DropPrefix(ctx, 10); err != nil {
		t.Fatalf("drop_prefix: %v", err)
	}
	any, err := svc.index.AnyChunks(ctx, worker, 1)
	if err != nil {
		t.Fatalf("any_chunks: %v", err)
	}
	if any {
		t.Fatalf("expected no chunks remaining after dropping the entire prefix")
	}
}

func TestArchiveScanForComponentRejectsNonZeroCursor(t *testing.T) {
	svc, worker := testSvc()
	ctx := context.Background()
	if err := svc.Open(worker).Append(ctx, mkEntries(1, 5)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, _, err := svc.ScanForComponent(ctx, worker.Project, worker.Component, 1, 10); err == nil {
		t.Fatalf("expected scan_for_component to reject a non-zero cursor")
	}
}
