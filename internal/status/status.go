// Package status implements the pure fold from a worker's oplog into its
// derived WorkerStatusRecord (§3.4, §4.5): the single source of truth for
// "what state is this worker in" that every other package queries instead
// of re-deriving on its own.
package status

import (
	"context"
	"fmt"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplog"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// WorkerState enumerates the worker lifecycle states §3.4 names.
type WorkerState string

const (
	StateIdle       WorkerState = "idle"
	StateRunning    WorkerState = "running"
	StateSuspended  WorkerState = "suspended"
	StateInterrupted WorkerState = "interrupted"
	StateExited     WorkerState = "exited"
	StateFailed     WorkerState = "failed"
	StateRetrying   WorkerState = "retrying"
)

// PendingInvocation is a queued exported-function invocation awaiting
// completion, keyed by idempotency key.
type PendingInvocation struct {
	IdempotencyKey domain.IdempotencyKey
	FunctionName   string
	IsManualUpdate bool
	TargetRevision domain.ComponentRevision
}

// PendingUpdate mirrors an in-flight PendingUpdate entry still awaiting a
// Successful/FailedUpdate.
type PendingUpdate struct {
	Kind           oplogentry.UpdateKind
	TargetRevision domain.ComponentRevision
}

// ResourceRecord is the folded view of one CreateResource/DescribeResource
// pair, kept here rather than in internal/resource because the status fold
// is the only thing that needs it outside the live resource table.
type ResourceRecord struct {
	ID         domain.WorkerResourceId
	Name       string
	Params     []string
	IndexedKey string
}

// Record is the cached, derived worker status (§3.4).
type Record struct {
	OplogIndex oplogentry.Index

	State              WorkerState
	ConsecutiveErrors  int
	RetryPolicyOverride *oplogentry.RetryPolicy

	PendingInvocations []PendingInvocation
	PendingUpdates     []PendingUpdate
	SuccessfulUpdates  []oplogentry.SuccessfulUpdatePayload
	FailedUpdates      []oplogentry.FailedUpdatePayload

	InvocationResults map[domain.IdempotencyKey]oplogentry.PayloadRef
	CurrentIdempotencyKey *domain.IdempotencyKey

	ComponentRevision domain.ComponentRevision
	ComponentSize     int64

	Resources       map[domain.WorkerResourceId]*ResourceRecord
	TotalMemory     int64
	ActivePlugins   map[domain.PluginInstallationId]struct{}

	// OpenBrackets holds Begin* entries with no matching terminal entry,
	// keyed by the begin entry's own oplog index, value is the begin
	// entry's Kind (KindBeginRemoteWrite or KindBeginRemoteTransaction).
	// A bracket still open after folding the visible prefix means a crash
	// interrupted the write mid-flight; §3.2 requires replay to treat it
	// as a failed write to retry, which is why a non-empty OpenBrackets
	// forces State to Retrying below (see the end of Derive).
	OpenBrackets map[oplogentry.Index]oplogentry.Kind

	DeletedRegions *oplogentry.DeletedRegions
}

func newRecord() *Record {
	return &Record{
		State:             StateIdle,
		InvocationResults: make(map[domain.IdempotencyKey]oplogentry.PayloadRef),
		Resources:         make(map[domain.WorkerResourceId]*ResourceRecord),
		ActivePlugins:     make(map[domain.PluginInstallationId]struct{}),
		OpenBrackets:      make(map[oplogentry.Index]oplogentry.Kind),
		DeletedRegions:    oplogentry.NewDeletedRegions(),
	}
}

// Clone deep-copies a Record so callers can mutate a cached snapshot without
// corrupting the shared cache entry.
func (r *Record) Clone() *Record {
	cp := *r
	cp.InvocationResults = make(map[domain.IdempotencyKey]oplogentry.PayloadRef, len(r.InvocationResults))
	for k, v := range r.InvocationResults {
		cp.InvocationResults[k] = v
	}
	cp.Resources = make(map[domain.WorkerResourceId]*ResourceRecord, len(r.Resources))
	for k, v := range r.Resources {
		rv := *v
		cp.Resources[k] = &rv
	}
	cp.ActivePlugins = make(map[domain.PluginInstallationId]struct{}, len(r.ActivePlugins))
	for k := range r.ActivePlugins {
		cp.ActivePlugins[k] = struct{}{}
	}
	cp.OpenBrackets = make(map[oplogentry.Index]oplogentry.Kind, len(r.OpenBrackets))
	for k, v := range r.OpenBrackets {
		cp.OpenBrackets[k] = v
	}
	cp.PendingInvocations = append([]PendingInvocation(nil), r.PendingInvocations...)
	cp.PendingUpdates = append([]PendingUpdate(nil), r.PendingUpdates...)
	cp.SuccessfulUpdates = append([]oplogentry.SuccessfulUpdatePayload(nil), r.SuccessfulUpdates...)
	cp.FailedUpdates = append([]oplogentry.FailedUpdatePayload(nil), r.FailedUpdates...)
	cp.DeletedRegions = r.DeletedRegions.Clone()
	return &cp
}

// RetriablePolicy decides whether an error classification remains
// retriable given the consecutive error count; implemented by
// internal/retry and injected here to avoid a dependency cycle
// (status -> retry -> status).
type RetriablePolicy interface {
	IsWorkerErrorRetriable(policy oplogentry.RetryPolicy, errMsg string, consecutiveErrors int) bool
}

// Deriver folds oplogs into Records, consulting a cache to avoid refolding
// from scratch on every call (§4.5).
type Deriver struct {
	log    oplog.Log
	policy RetriablePolicy
}

func NewDeriver(log oplog.Log, policy RetriablePolicy) *Deriver {
	return &Deriver{log: log, policy: policy}
}

// Derive computes the current Record for worker, starting from cached (which
// may be nil) and folding only the fresh tail when the cache remains valid.
// Per §3.4: if cached.OplogIndex falls inside a deleted region (including one
// added by a Jump or Revert in the fresh tail), the cache is discarded and
// folding restarts from Initial.
func (d *Deriver) Derive(ctx context.Context, worker domain.OwnedWorkerId, cached *Record, defaultPolicy oplogentry.RetryPolicy) (*Record, error) {
	lastIdx, err := d.log.GetLastIndex(ctx, worker)
	if err != nil {
		return nil, fmt.Errorf("status: get_last_index: %w", err)
	}

	rec := cached
	from := oplogentry.Initial
	if rec != nil {
		discard := rec.DeletedRegions.Contains(rec.OplogIndex)
		if !discard && lastIdx > rec.OplogIndex {
			tail, err := d.log.ReadRange(ctx, worker, rec.OplogIndex.Next(), lastIdx.Next())
			if err != nil {
				return nil, fmt.Errorf("status: read_range: %w", err)
			}
			for _, e := range tail {
				if (e.Kind == oplogentry.KindJump && e.Jump.Dropped.Contains(rec.OplogIndex)) ||
					(e.Kind == oplogentry.KindRevert && e.Revert.Dropped.Contains(rec.OplogIndex)) {
					discard = true
				}
			}
		}
		if discard {
			rec = nil
		} else {
			from = rec.OplogIndex.Next()
		}
	}
	if rec == nil {
		rec = newRecord()
		from = oplogentry.Initial
	} else {
		rec = rec.Clone()
	}

	if lastIdx == oplogentry.None || from > lastIdx {
		rec.OplogIndex = lastIdx
		return rec, nil
	}

	entries, err := d.log.ReadRange(ctx, worker, from, lastIdx.Next())
	if err != nil {
		return nil, fmt.Errorf("status: read_range: %w", err)
	}

	// Deleted regions named by a Jump/Revert apply retroactively to any
	// earlier index in this same fresh tail, so the full region set must be
	// known before folding state — a single forward pass would fold an
	// entry the same batch later marks deleted (§3.3).
	for _, e := range entries {
		switch e.Kind {
		case oplogentry.KindJump:
			rec.DeletedRegions.Add(e.Jump.Dropped)
		case oplogentry.KindRevert:
			rec.DeletedRegions.Add(e.Revert.Dropped)
		}
	}

	for _, e := range entries {
		if rec.DeletedRegions.Contains(e.Index) {
			continue
		}
		d.fold(rec, e, defaultPolicy)
	}
	rec.OplogIndex = lastIdx

	// A bracket still open after folding the entire visible prefix means a
	// crash interrupted a remote write or transaction mid-flight; §3.2
	// requires replay to surface it as a failed write to retry rather than
	// silently resuming as if nothing happened.
	if len(rec.OpenBrackets) > 0 && rec.State != StateFailed && rec.State != StateExited {
		rec.State = StateRetrying
	}
	return rec, nil
}

func (d *Deriver) fold(rec *Record, e *oplogentry.Entry, defaultPolicy oplogentry.RetryPolicy) {
	if e.Kind != oplogentry.KindError {
		rec.ConsecutiveErrors = 0
	}

	switch e.Kind {
	case oplogentry.KindCreate:
		rec.State = StateIdle
		rec.ComponentRevision = e.Create.ComponentRevision
		for _, p := range e.Create.ActivePlugins {
			rec.ActivePlugins[p] = struct{}{}
		}

	case oplogentry.KindExportedFunctionInvoked:
		key := e.ExportedFunctionInvoked.IdempotencyKey
		rec.CurrentIdempotencyKey = &key
		// Remove any pending ExportedFunction invocation with the same key.
		kept := rec.PendingInvocations[:0:0]
		for _, p := range rec.PendingInvocations {
			if p.IdempotencyKey != key {
				kept = append(kept, p)
			}
		}
		rec.PendingInvocations = kept
		rec.PendingInvocations = append(rec.PendingInvocations, PendingInvocation{
			IdempotencyKey: key,
			FunctionName:   e.ExportedFunctionInvoked.FunctionName,
		})
		rec.State = StateRunning

	case oplogentry.KindExportedFunctionCompleted:
		key := rec.CurrentIdempotencyKey
		rec.CurrentIdempotencyKey = nil
		if key != nil {
			rec.InvocationResults[*key] = e.ExportedFunctionCompleted.Output
			rec.PendingInvocations = removeByKey(rec.PendingInvocations, *key)
		}
		rec.State = StateIdle

	case oplogentry.KindSuspend:
		rec.State = StateSuspended
	case oplogentry.KindInterrupted:
		rec.State = StateInterrupted
	case oplogentry.KindExited:
		rec.State = StateExited
	case oplogentry.KindRestart:
		rec.State = StateIdle

	case oplogentry.KindError:
		rec.ConsecutiveErrors++
		policy := defaultPolicy
		if rec.RetryPolicyOverride != nil {
			policy = *rec.RetryPolicyOverride
		}
		if d.policy != nil && d.policy.IsWorkerErrorRetriable(policy, e.Error.Error, rec.ConsecutiveErrors) {
			rec.State = StateRetrying
		} else {
			rec.State = StateFailed
		}

	case oplogentry.KindJump, oplogentry.KindRevert:
		var dropped oplogentry.Range
		if e.Kind == oplogentry.KindJump {
			dropped = e.Jump.Dropped
		} else {
			dropped = e.Revert.Dropped
		}
		rec.DeletedRegions.Add(dropped)

	case oplogentry.KindChangeRetryPolicy:
		policy := e.ChangeRetryPolicy.Policy
		rec.RetryPolicyOverride = &policy

	case oplogentry.KindBeginRemoteWrite, oplogentry.KindBeginRemoteTransaction:
		rec.OpenBrackets[e.Index] = e.Kind
	case oplogentry.KindEndRemoteWrite:
		delete(rec.OpenBrackets, e.EndRemoteWrite.BeginIndex)
	case oplogentry.KindCommittedRemoteTransaction, oplogentry.KindRolledBackRemoteTransaction:
		if e.RemoteTransactionPhase != nil {
			delete(rec.OpenBrackets, e.RemoteTransactionPhase.BeginIndex)
		}

	case oplogentry.KindPendingWorkerInvocation:
		rec.PendingInvocations = append(rec.PendingInvocations, PendingInvocation{
			IdempotencyKey: e.PendingWorkerInvocation.IdempotencyKey,
			FunctionName:   e.PendingWorkerInvocation.FunctionName,
		})

	case oplogentry.KindPendingUpdate:
		if rec.State == StateFailed {
			rec.State = StateRetrying
		}
		pu := e.PendingUpdate
		if pu.UpdateKind == oplogentry.UpdateSnapshotBased {
			kept := rec.PendingInvocations[:0:0]
			for _, p := range rec.PendingInvocations {
				if !(p.IsManualUpdate && p.TargetRevision == pu.TargetRevision) {
					kept = append(kept, p)
				}
			}
			rec.PendingInvocations = kept
		}
		rec.PendingUpdates = append(rec.PendingUpdates, PendingUpdate{
			Kind:           pu.UpdateKind,
			TargetRevision: pu.TargetRevision,
		})

	case oplogentry.KindSuccessfulUpdate:
		if len(rec.PendingUpdates) > 0 {
			rec.PendingUpdates = rec.PendingUpdates[1:]
		}
		rec.ComponentRevision = e.SuccessfulUpdate.TargetRevision
		rec.ComponentSize = e.SuccessfulUpdate.TargetSize
		rec.SuccessfulUpdates = append(rec.SuccessfulUpdates, *e.SuccessfulUpdate)
		rec.ActivePlugins = make(map[domain.PluginInstallationId]struct{}, len(e.SuccessfulUpdate.NewActivePlugins))
		for _, p := range e.SuccessfulUpdate.NewActivePlugins {
			rec.ActivePlugins[p] = struct{}{}
		}

	case oplogentry.KindFailedUpdate:
		if len(rec.PendingUpdates) > 0 {
			rec.PendingUpdates = rec.PendingUpdates[1:]
		}
		rec.FailedUpdates = append(rec.FailedUpdates, *e.FailedUpdate)

	case oplogentry.KindCreateResource:
		rec.Resources[e.CreateResource.ResourceID] = &ResourceRecord{
			ID:     e.CreateResource.ResourceID,
			Name:   e.CreateResource.Name,
			Params: e.CreateResource.Params,
		}
	case oplogentry.KindDropResource:
		delete(rec.Resources, e.DropResource.ResourceID)
	case oplogentry.KindDescribeResource:
		if r, ok := rec.Resources[e.DescribeResource.ResourceID]; ok {
			r.IndexedKey = e.DescribeResource.IndexedKey
		}

	case oplogentry.KindGrowMemory:
		rec.TotalMemory += e.GrowMemory.DeltaBytes

	case oplogentry.KindActivatePlugin:
		rec.ActivePlugins[e.ActivatePlugin.PluginID] = struct{}{}
	case oplogentry.KindDeactivatePlugin:
		delete(rec.ActivePlugins, e.DeactivatePlugin.PluginID)
	}
}

func removeByKey(list []PendingInvocation, key domain.IdempotencyKey) []PendingInvocation {
	kept := list[:0:0]
	for _, p := range list {
		if p.IdempotencyKey != key {
			kept = append(kept, p)
		}
	}
	return kept
}
