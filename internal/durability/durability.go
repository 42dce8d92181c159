// Package durability implements the durability host (§4.4): the layer every
// side-effectful host call passes through, deciding whether to execute for
// real (live) or return a recorded response (replay), and bracketing
// remote writes and transactions so an aborted one retries cleanly.
package durability

import (
	"context"
	"fmt"
	"time"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/observability"
	"github.com/golemsrv/durability/internal/oplog"
	"github.com/golemsrv/durability/internal/oplogentry"
	"github.com/golemsrv/durability/internal/replay"
	"github.com/golemsrv/durability/internal/retry"
)

// mustBracket reports whether kind requires Begin*/End* entries (§4.4
// table).
func mustBracket(kind oplogentry.DurableFunctionType) bool {
	switch kind {
	case oplogentry.FnWriteRemote, oplogentry.FnWriteRemoteBatched, oplogentry.FnWriteRemoteTransaction:
		return true
	default:
		return false
	}
}

func isRemoteWrite(kind oplogentry.DurableFunctionType) bool {
	return kind == oplogentry.FnWriteRemote || kind == oplogentry.FnWriteRemoteBatched
}

// Host wraps a worker's durable function calls for one worker's invocation
// lifetime. It is owned exclusively by that worker's actor (§5); nothing in
// this package is safe for concurrent use from more than one goroutine.
type Host struct {
	log    oplog.Log
	worker domain.OwnedWorkerId
	cursor *replay.Cursor
	blob   PayloadResolver

	// openBrackets holds Begin* entries with no matching terminal entry
	// yet, keyed by the begin entry's own oplog index, value is the begin
	// entry's Kind (KindBeginRemoteWrite or KindBeginRemoteTransaction).
	// Populated both by this Host's own BeginDurableFunction calls and, on
	// construction, by SeedOpenBrackets from a fold over the full oplog —
	// so a bracket left open by a crashed prior process is still visible
	// here, not just one opened in this process's lifetime (§3.2).
	openBrackets map[oplogentry.Index]oplogentry.Kind
}

// PayloadResolver offloads and fetches request/response bytes, narrowed
// from internal/oplog's free functions so Host doesn't need a concrete
// blobstore.Store reference.
type PayloadResolver interface {
	Resolve(ctx context.Context, worker domain.OwnedWorkerId, requestBytes, responseBytes []byte) (request, response oplogentry.PayloadRef, err error)
	Fetch(ctx context.Context, ref oplogentry.PayloadRef) ([]byte, error)
}

func NewHost(log oplog.Log, worker domain.OwnedWorkerId, cursor *replay.Cursor, blob PayloadResolver) *Host {
	return &Host{log: log, worker: worker, cursor: cursor, blob: blob, openBrackets: make(map[oplogentry.Index]oplogentry.Kind)}
}

// SeedOpenBrackets pre-populates the set of open brackets from a status
// fold computed over the worker's full oplog (status.Record.OpenBrackets).
// Callers rebuild a Host on every Refresh (§5); without this, a bracket
// left open by a crashed prior process would be invisible to the fresh
// Host instance, since its own openBrackets map starts empty.
func (h *Host) SeedOpenBrackets(fromFold map[oplogentry.Index]oplogentry.Kind) {
	for idx, kind := range fromFold {
		h.openBrackets[idx] = kind
	}
}

// BeginDurableFunction appends a Begin* bracket when kind requires one and
// returns the bracket's index, or None if no bracket applies (§4.4 step 1).
func (h *Host) BeginDurableFunction(ctx context.Context, kind oplogentry.DurableFunctionType) (oplogentry.Index, error) {
	if !mustBracket(kind) {
		return oplogentry.None, nil
	}
	var entry *oplogentry.Entry
	switch kind {
	case oplogentry.FnWriteRemoteTransaction:
		entry = &oplogentry.Entry{Timestamp: time.Now(), Kind: oplogentry.KindBeginRemoteTransaction, BeginRemoteTransaction: &oplogentry.BeginRemoteTransactionPayload{}}
	default:
		entry = &oplogentry.Entry{Timestamp: time.Now(), Kind: oplogentry.KindBeginRemoteWrite, BeginRemoteWrite: &oplogentry.BeginRemoteWritePayload{}}
	}
	rng, err := h.log.Append(ctx, h.worker, []*oplogentry.Entry{entry})
	if err != nil {
		return oplogentry.None, fmt.Errorf("durability: begin %s: %w", kind, err)
	}
	h.openBrackets[rng.From] = entry.Kind
	return rng.From, nil
}

// PersistDurableFunctionInvocation appends the HostCall record. Live mode
// only: replay never calls this, it reads the existing record instead
// (§4.4 step 3). Wrapped in a span carrying the worker, function name and
// assigned oplog index so a trace backend can correlate this call with the
// oplog entry it produced.
func (h *Host) PersistDurableFunctionInvocation(ctx context.Context, name string, request, response []byte, kind oplogentry.DurableFunctionType) error {
	started := time.Now()
	ctx, span := observability.StartHostCallSpan(ctx, h.worker, name, oplogentry.None, false)
	var err error
	defer func() { observability.FinishHostCallSpan(span, started, err) }()

	var reqRef, respRef oplogentry.PayloadRef
	reqRef, respRef, err = h.blob.Resolve(ctx, h.worker, request, response)
	if err != nil {
		err = fmt.Errorf("durability: resolve payload for %s: %w", name, err)
		return err
	}
	entry := &oplogentry.Entry{
		Timestamp: started,
		Kind:      oplogentry.KindHostCall,
		HostCall:  &oplogentry.HostCallPayload{FunctionName: name, Request: reqRef, Response: respRef, FnType: kind},
	}
	rng, appendErr := h.log.Append(ctx, h.worker, []*oplogentry.Entry{entry})
	if appendErr != nil {
		err = fmt.Errorf("durability: persist host call %s: %w", name, appendErr)
		return err
	}
	span.SetAttributes(observability.AttrOplogIndex.Int64(int64(rng.From)))
	return nil
}

// EndDurableFunction appends the matching End* bracket when required, and
// forces a durable commit if kind is a remote write/transaction or
// forcedCommit is set (§4.4 step 4). For FnWriteRemoteTransaction this is
// the success path: it runs the full PreCommit -> Committed phase pair, not
// just a single terminal marker, so both phases are actually reachable
// (§3.2 names five transaction phases; AbortDurableFunction produces the
// other two).
func (h *Host) EndDurableFunction(ctx context.Context, kind oplogentry.DurableFunctionType, beginIndex oplogentry.Index, forcedCommit bool) error {
	if mustBracket(kind) {
		var entries []*oplogentry.Entry
		switch kind {
		case oplogentry.FnWriteRemoteTransaction:
			phase := &oplogentry.RemoteTransactionPhasePayload{BeginIndex: beginIndex}
			entries = []*oplogentry.Entry{
				{Timestamp: time.Now(), Kind: oplogentry.KindPreCommitRemoteTransaction, RemoteTransactionPhase: phase},
				{Timestamp: time.Now(), Kind: oplogentry.KindCommittedRemoteTransaction, RemoteTransactionPhase: phase},
			}
		default:
			entries = []*oplogentry.Entry{
				{Timestamp: time.Now(), Kind: oplogentry.KindEndRemoteWrite, EndRemoteWrite: &oplogentry.EndRemoteWritePayload{BeginIndex: beginIndex}},
			}
		}
		if _, err := h.log.Append(ctx, h.worker, entries); err != nil {
			return fmt.Errorf("durability: end %s: %w", kind, err)
		}
		delete(h.openBrackets, beginIndex)
	}
	if isRemoteWrite(kind) || kind == oplogentry.FnWriteRemoteTransaction || forcedCommit {
		if err := h.log.Commit(ctx, h.worker, oplog.CommitAlways); err != nil {
			return fmt.Errorf("durability: forced commit: %w", err)
		}
	}
	return nil
}

// AbortDurableFunction handles a durable function call that failed instead
// of completing normally (§3.2, §4.4 retry semantics table).
//
// For FnWriteRemoteTransaction it runs the controlled rollback phase pair,
// PreRollback -> RolledBack, closing the bracket cleanly — this is a
// deliberate rollback, not a crash, so the transaction kinds' remaining two
// phases (§3.2 names five in total) are reachable here.
//
// For WriteRemote/WriteRemoteBatched there is no rollback phase: the
// bracket is deliberately left open, exactly as it would be after a crash
// mid-bracket, so replay's open-bracket detection (§3.2, OpenBrackets/
// status.Record.OpenBrackets) is what drives the retry rather than a
// second, parallel "abort" signal.
func (h *Host) AbortDurableFunction(ctx context.Context, kind oplogentry.DurableFunctionType, beginIndex oplogentry.Index) error {
	if kind != oplogentry.FnWriteRemoteTransaction {
		return nil
	}
	phase := &oplogentry.RemoteTransactionPhasePayload{BeginIndex: beginIndex}
	entries := []*oplogentry.Entry{
		{Timestamp: time.Now(), Kind: oplogentry.KindPreRollbackRemoteTransaction, RemoteTransactionPhase: phase},
		{Timestamp: time.Now(), Kind: oplogentry.KindRolledBackRemoteTransaction, RemoteTransactionPhase: phase},
	}
	if _, err := h.log.Append(ctx, h.worker, entries); err != nil {
		return fmt.Errorf("durability: abort %s: %w", kind, err)
	}
	delete(h.openBrackets, beginIndex)
	return nil
}

// OpenBrackets reports brackets that were begun but never ended, which
// replay must treat as failed writes to be retried (§3.2).
func (h *Host) OpenBrackets() map[oplogentry.Index]oplogentry.Kind {
	out := make(map[oplogentry.Index]oplogentry.Kind, len(h.openBrackets))
	for k, v := range h.openBrackets {
		out[k] = v
	}
	return out
}

// TryTriggerRetry consults the effective retry policy and the current
// consecutive-error count; it returns the original failure (signaling "try
// again") when the policy allows another attempt, or nil (signaling
// "persist permanently") otherwise (§4.4).
func TryTriggerRetry(policy *retry.Policy, effective oplogentry.RetryPolicy, consecutiveErrors int, failure error) error {
	if policy.IsWorkerErrorRetriable(effective, errString(failure), consecutiveErrors) {
		return failure
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
