package durability

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/golemsrv/durability/internal/blobstore"
	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplog"
	"github.com/golemsrv/durability/internal/oplogentry"
	"github.com/golemsrv/durability/internal/replay"
)

func u64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// TestExactlyOnceHostCall exercises §8 end-to-end scenario 1: live-invoke a
// function that calls a host RNG once, record the response, then replay and
// confirm the RNG is never consulted again.
func TestExactlyOnceHostCall(t *testing.T) {
	ctx := context.Background()
	log := oplog.NewMemoryLog()
	worker := domain.OwnedWorkerId{Project: "p", Component: "c", Worker: "w"}
	resolver := &BlobPayloadResolver{Store: blobstore.NewMemStore()}

	create := &oplogentry.Entry{Timestamp: time.Now(), Kind: oplogentry.KindCreate, Create: &oplogentry.CreatePayload{ComponentRevision: 1}}
	if _, err := log.Append(ctx, worker, []*oplogentry.Entry{create}); err != nil {
		t.Fatalf("append create: %v", err)
	}

	// Live execution: call the "real" RNG once and persist the result.
	cursor, err := replay.NewCursor(ctx, log, worker, oplogentry.NewDeletedRegions(), oplogentry.Initial.Next())
	if err != nil {
		t.Fatalf("new cursor: %v", err)
	}
	if !cursor.IsLive() {
		t.Fatalf("expected live mode for a worker with only a Create entry")
	}
	host := NewHost(log, worker, cursor, resolver)

	realRNGCalls := 0
	liveRNG := func() uint64 {
		realRNGCalls++
		return 42
	}
	output := liveRNG()
	if err := host.PersistDurableFunctionInvocation(ctx, "rand-u64", nil, u64Bytes(output), oplogentry.FnReadRemote); err != nil {
		t.Fatalf("persist host call: %v", err)
	}
	if output != 42 {
		t.Fatalf("expected live output 42, got %d", output)
	}

	// "Kill the process": open a fresh cursor from Initial and replay.
	replayCursor, err := replay.NewCursor(ctx, log, worker, oplogentry.NewDeletedRegions(), oplogentry.Initial)
	if err != nil {
		t.Fatalf("new replay cursor: %v", err)
	}
	if replayCursor.IsLive() {
		t.Fatalf("expected replay mode with recorded history present")
	}

	var replayedOutput uint64
	sawHostCall := false
	for {
		entry, err := replayCursor.Next(ctx)
		if err != nil {
			t.Fatalf("replay next: %v", err)
		}
		if entry == nil {
			break
		}
		if entry.Kind == oplogentry.KindHostCall {
			sawHostCall = true
			raw, err := resolver.Fetch(ctx, entry.HostCall.Response)
			if err != nil {
				t.Fatalf("fetch response: %v", err)
			}
			replayedOutput = binary.BigEndian.Uint64(raw)
		}
	}
	if !sawHostCall {
		t.Fatalf("expected replay to observe the recorded HostCall entry")
	}
	if replayedOutput != 42 {
		t.Fatalf("expected replayed output 42, got %d", replayedOutput)
	}
	if realRNGCalls != 1 {
		t.Fatalf("expected the real RNG to be called exactly once, got %d calls", realRNGCalls)
	}
}

// TestRemoteTransactionCommitClosesBracket exercises the success path of
// the WriteRemoteTransaction bracket (§3.2, §4.4): Begin, then the full
// PreCommit -> Committed phase pair, ending with no open bracket left.
func TestRemoteTransactionCommitClosesBracket(t *testing.T) {
	ctx := context.Background()
	log := oplog.NewMemoryLog()
	worker := domain.OwnedWorkerId{Project: "p", Component: "c", Worker: "w"}
	resolver := &BlobPayloadResolver{Store: blobstore.NewMemStore()}
	cursor, err := replay.NewCursor(ctx, log, worker, oplogentry.NewDeletedRegions(), oplogentry.Initial)
	if err != nil {
		t.Fatalf("new cursor: %v", err)
	}
	host := NewHost(log, worker, cursor, resolver)

	beginIdx, err := host.BeginDurableFunction(ctx, oplogentry.FnWriteRemoteTransaction)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if len(host.OpenBrackets()) != 1 {
		t.Fatalf("expected 1 open bracket after begin, got %d", len(host.OpenBrackets()))
	}

	if err := host.EndDurableFunction(ctx, oplogentry.FnWriteRemoteTransaction, beginIdx, false); err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(host.OpenBrackets()) != 0 {
		t.Fatalf("expected no open brackets after commit, got %d", len(host.OpenBrackets()))
	}

	lastIdx, err := log.GetLastIndex(ctx, worker)
	if err != nil {
		t.Fatalf("get_last_index: %v", err)
	}
	entries, err := log.ReadRange(ctx, worker, oplogentry.Initial, lastIdx.Next())
	if err != nil {
		t.Fatalf("read_range: %v", err)
	}
	var sawPreCommit, sawCommitted bool
	for _, e := range entries {
		switch e.Kind {
		case oplogentry.KindPreCommitRemoteTransaction:
			sawPreCommit = true
			if e.RemoteTransactionPhase == nil || e.RemoteTransactionPhase.BeginIndex != beginIdx {
				t.Fatalf("expected pre_commit to reference begin index %d", beginIdx)
			}
		case oplogentry.KindCommittedRemoteTransaction:
			sawCommitted = true
		}
	}
	if !sawPreCommit || !sawCommitted {
		t.Fatalf("expected both pre_commit and committed phases, got pre_commit=%v committed=%v", sawPreCommit, sawCommitted)
	}
}

// TestRemoteTransactionAbortRollsBack exercises the failure path: Begin,
// then AbortDurableFunction runs PreRollback -> RolledBack and closes the
// bracket (a controlled rollback, distinct from a crash leaving it open).
func TestRemoteTransactionAbortRollsBack(t *testing.T) {
	ctx := context.Background()
	log := oplog.NewMemoryLog()
	worker := domain.OwnedWorkerId{Project: "p", Component: "c", Worker: "w"}
	resolver := &BlobPayloadResolver{Store: blobstore.NewMemStore()}
	cursor, err := replay.NewCursor(ctx, log, worker, oplogentry.NewDeletedRegions(), oplogentry.Initial)
	if err != nil {
		t.Fatalf("new cursor: %v", err)
	}
	host := NewHost(log, worker, cursor, resolver)

	beginIdx, err := host.BeginDurableFunction(ctx, oplogentry.FnWriteRemoteTransaction)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := host.AbortDurableFunction(ctx, oplogentry.FnWriteRemoteTransaction, beginIdx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if len(host.OpenBrackets()) != 0 {
		t.Fatalf("expected rollback to close the bracket, got %d open", len(host.OpenBrackets()))
	}

	lastIdx, err := log.GetLastIndex(ctx, worker)
	if err != nil {
		t.Fatalf("get_last_index: %v", err)
	}
	entries, err := log.ReadRange(ctx, worker, oplogentry.Initial, lastIdx.Next())
	if err != nil {
		t.Fatalf("read_range: %v", err)
	}
	var sawPreRollback, sawRolledBack bool
	for _, e := range entries {
		switch e.Kind {
		case oplogentry.KindPreRollbackRemoteTransaction:
			sawPreRollback = true
		case oplogentry.KindRolledBackRemoteTransaction:
			sawRolledBack = true
		}
	}
	if !sawPreRollback || !sawRolledBack {
		t.Fatalf("expected both pre_rollback and rolled_back phases, got pre_rollback=%v rolled_back=%v", sawPreRollback, sawRolledBack)
	}
}

// TestRemoteWriteLeftOpenOnAbort exercises the non-transaction bracket
// kinds' abort path: AbortDurableFunction is a no-op, leaving the bracket
// open exactly as a crash mid-bracket would, so replay's open-bracket
// detection is the single mechanism that drives the retry (§3.2).
func TestRemoteWriteLeftOpenOnAbort(t *testing.T) {
	ctx := context.Background()
	log := oplog.NewMemoryLog()
	worker := domain.OwnedWorkerId{Project: "p", Component: "c", Worker: "w"}
	resolver := &BlobPayloadResolver{Store: blobstore.NewMemStore()}
	cursor, err := replay.NewCursor(ctx, log, worker, oplogentry.NewDeletedRegions(), oplogentry.Initial)
	if err != nil {
		t.Fatalf("new cursor: %v", err)
	}
	host := NewHost(log, worker, cursor, resolver)

	beginIdx, err := host.BeginDurableFunction(ctx, oplogentry.FnWriteRemote)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := host.AbortDurableFunction(ctx, oplogentry.FnWriteRemote, beginIdx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, open := host.OpenBrackets()[beginIdx]; !open {
		t.Fatalf("expected the write_remote bracket to remain open after abort")
	}
}
