package oplog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// MemoryLog is an in-process Log implementation used by tests across this
// module's packages (status, retry, replay) so they don't need a Postgres
// instance to exercise folding logic.
type MemoryLog struct {
	mu      sync.Mutex
	workers map[domain.OwnedWorkerId][]*oplogentry.Entry // index 0 holds Initial
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{workers: make(map[domain.OwnedWorkerId][]*oplogentry.Entry)}
}

// validateJump rejects a Jump/Revert whose dropped range would delete the
// worker's Create entry (§9 open question (b)).
func validateJump(existing int, e *oplogentry.Entry) error {
	var dropped oplogentry.Range
	switch e.Kind {
	case oplogentry.KindJump:
		dropped = e.Jump.Dropped
	case oplogentry.KindRevert:
		dropped = e.Revert.Dropped
	default:
		return nil
	}
	if dropped.From <= oplogentry.Initial {
		return fmt.Errorf("oplog: %s would delete the worker's Create entry at index %d", e.Kind, oplogentry.Initial)
	}
	_ = existing
	return nil
}

func (m *MemoryLog) Append(_ context.Context, worker domain.OwnedWorkerId, entries []*oplogentry.Entry) (oplogentry.Range, error) {
	if len(entries) == 0 {
		m.mu.Lock()
		last := oplogentry.Index(len(m.workers[worker]))
		m.mu.Unlock()
		return oplogentry.Range{From: last.Next(), To: last.Next()}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.workers[worker]
	for _, e := range entries {
		if err := validateJump(len(log), e); err != nil {
			return oplogentry.Range{}, err
		}
	}
	from := oplogentry.Index(len(log)).Next()
	for i, e := range entries {
		e.Index = from + oplogentry.Index(i)
		log = append(log, e)
	}
	m.workers[worker] = log
	to := oplogentry.Index(len(log)).Next()
	return oplogentry.Range{From: from, To: to}, nil
}

func (m *MemoryLog) ReadRange(_ context.Context, worker domain.OwnedWorkerId, from, to oplogentry.Index) ([]*oplogentry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.workers[worker]
	var out []*oplogentry.Entry
	for _, e := range log {
		if e.Index >= from && e.Index < to {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *MemoryLog) GetLastIndex(_ context.Context, worker domain.OwnedWorkerId) (oplogentry.Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.workers[worker]
	if len(log) == 0 {
		return oplogentry.None, nil
	}
	return log[len(log)-1].Index, nil
}

func (m *MemoryLog) Commit(_ context.Context, _ domain.OwnedWorkerId, _ CommitLevel) error {
	return nil // everything is already "durable": it's in process memory for tests
}

func (m *MemoryLog) DropPrefix(_ context.Context, worker domain.OwnedWorkerId, lastDropped oplogentry.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.workers[worker]
	kept := log[:0:0]
	for _, e := range log {
		if e.Index > lastDropped {
			kept = append(kept, e)
		}
	}
	m.workers[worker] = kept
	return nil
}

var _ Log = (*MemoryLog)(nil)
