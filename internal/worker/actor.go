// Package worker implements the per-worker actor that owns a single
// worker's execution state (§5): the durability host, replay cursor,
// derived status record, resource table and span stack. All mutation of
// these structures happens while the actor's execution lock is held by
// exactly one caller; no cross-worker sharing of an Actor is permitted.
//
// # Concurrency model
//
// Adapted from the teacher's VM pool (internal/pool/pool.go): that pool
// guards a set of warm VMs behind a sync.RWMutex plus a sync.Cond so
// callers can block until a VM becomes available. An Actor narrows that
// pattern to a single boolean-held token, since a worker owns exactly one
// execution slot and there is no warm-instance reuse to arbitrate. Acquire
// blocks on the condition variable until the token is free or the
// context is cancelled; a background goroutine per waiting Acquire call
// broadcasts the condition on context cancellation so the wait does not
// outlive its caller.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/durability"
	"github.com/golemsrv/durability/internal/invocationctx"
	"github.com/golemsrv/durability/internal/oplog"
	"github.com/golemsrv/durability/internal/oplogentry"
	"github.com/golemsrv/durability/internal/replay"
	"github.com/golemsrv/durability/internal/resource"
	"github.com/golemsrv/durability/internal/retry"
	"github.com/golemsrv/durability/internal/status"
)

// Actor owns one worker's execution-lifetime state. The zero value is not
// usable; construct with NewActor.
type Actor struct {
	Worker domain.OwnedWorkerId

	log          oplog.Log
	deriver      *status.Deriver
	policy       *retry.Policy
	defaultRetry oplogentry.RetryPolicy
	blobResolver durability.PayloadResolver

	mu     sync.Mutex
	cond   *sync.Cond
	locked bool

	// Guarded by mu once locked is true; only the lock holder may touch
	// these.
	cursor    *replay.Cursor
	host      *durability.Host
	resources *resource.Table
	spans     *invocationctx.Stack
	record    *status.Record
}

// NewActor constructs an Actor for worker. It does not acquire the
// execution lock or load any state; call Refresh after Acquire to do
// that.
func NewActor(log oplog.Log, worker domain.OwnedWorkerId, blob durability.PayloadResolver, policy *retry.Policy) *Actor {
	a := &Actor{
		Worker:       worker,
		log:          log,
		deriver:      status.NewDeriver(log, policy),
		policy:       policy,
		defaultRetry: retry.DefaultPolicy(),
		blobResolver: blob,
		resources:    resource.NewTable(),
		spans:        invocationctx.NewStack(),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Acquire blocks until the execution lock is free or ctx is done,
// whichever comes first. A caller that successfully acquires the lock
// must call Release exactly once.
func (a *Actor) Acquire(ctx context.Context) error {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		close(done)
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for a.locked {
		select {
		case <-done:
			return ctx.Err()
		default:
		}
		a.cond.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	a.locked = true
	return nil
}

// Release frees the execution lock and wakes one waiting Acquire call.
// Calling Release without a matching successful Acquire is a programming
// error (§5: cancellation always releases the lock, so every acquisition
// path must pair with exactly one release).
func (a *Actor) Release() {
	a.mu.Lock()
	a.locked = false
	a.cond.Signal()
	a.mu.Unlock()
}

// ReacquirePermits implements RetryDecision::ReacquirePermits (§4.4, §5):
// the caller drops its execution lock and re-enters the acquisition path
// before retrying, rather than holding the slot across a retry sleep —
// the same shape as the teacher's singleflight-guarded VM acquisition,
// where a blocked cold-start waiter releases the pool's intent to create
// before trying again.
func (a *Actor) ReacquirePermits(ctx context.Context) error {
	a.Release()
	return a.Acquire(ctx)
}

// Refresh re-derives the worker's status record from the oplog, rebuilds
// the replay cursor against the new deleted-region set, reconciles any
// bracket left open by a crashed prior process onto the fresh Host, and
// returns the record. Call this after every append and once right after
// Acquire. The caller must hold the execution lock.
func (a *Actor) Refresh(ctx context.Context) (*status.Record, error) {
	rec, err := a.deriver.Derive(ctx, a.Worker, a.record, a.defaultRetry)
	if err != nil {
		return nil, fmt.Errorf("worker: refresh status: %w", err)
	}
	a.record = rec
	a.resources.Restore(toResourceEntries(rec.Resources), nextResourceID(rec))

	cursor, err := replay.NewCursor(ctx, a.log, a.Worker, rec.DeletedRegions, oplogentry.Initial)
	if err != nil {
		return nil, fmt.Errorf("worker: rebuild cursor: %w", err)
	}
	a.cursor = cursor
	a.host = durability.NewHost(a.log, a.Worker, a.cursor, a.blobResolver)
	// A bracket opened by a crashed prior process is invisible to a fresh
	// Host's own bookkeeping (it only ever saw its own Begin* calls), so
	// it must be seeded from the fold's reconciled view (§3.2, §5).
	a.host.SeedOpenBrackets(rec.OpenBrackets)
	return rec, nil
}

// Record returns the last record computed by Refresh, or nil if Refresh
// has not yet been called.
func (a *Actor) Record() *status.Record { return a.record }

// Cursor returns the live replay cursor built by the last Refresh.
func (a *Actor) Cursor() *replay.Cursor { return a.cursor }

// Host returns the durability host bound to the current cursor.
func (a *Actor) Host() *durability.Host { return a.host }

// Resources returns the worker's resource table.
func (a *Actor) Resources() *resource.Table { return a.resources }

// Spans returns the worker's invocation-context span stack.
func (a *Actor) Spans() *invocationctx.Stack { return a.spans }

func nextResourceID(rec *status.Record) domain.WorkerResourceId {
	var max domain.WorkerResourceId
	for id := range rec.Resources {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// toResourceEntries converts the status fold's ResourceRecord view into the
// resource table's own Entry type. The two types are kept separate (§4.7
// doc comment in internal/status) so the status package never needs to
// import internal/resource.
func toResourceEntries(recs map[domain.WorkerResourceId]*status.ResourceRecord) map[domain.WorkerResourceId]*resource.Entry {
	out := make(map[domain.WorkerResourceId]*resource.Entry, len(recs))
	for id, r := range recs {
		out[id] = &resource.Entry{ID: r.ID, Name: r.Name, Params: append([]string(nil), r.Params...), IndexedKey: r.IndexedKey}
	}
	return out
}
