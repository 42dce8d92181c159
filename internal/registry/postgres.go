// Package registry provides the daemon-level worker discovery adapters
// that internal/archive.Mover and internal/retry.Scheduler need but which
// fall outside the spec's own collaborator interfaces (§6.2): finding
// which workers exist at all. It is deliberately thin — a SQL scan over
// the oplog table the daemon already owns — rather than a full worker
// directory service, since no such service is part of this module's
// scope.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplog"
	"github.com/golemsrv/durability/internal/oplogentry"
	"github.com/golemsrv/durability/internal/retry"
	"github.com/golemsrv/durability/internal/status"
)

// WorkerIndex lists distinct workers that have ever appended to the
// primary oplog, satisfying internal/archive.WorkerSource.
type WorkerIndex struct {
	pool *pgxpool.Pool
}

func NewWorkerIndex(pool *pgxpool.Pool) *WorkerIndex {
	return &WorkerIndex{pool: pool}
}

// ActiveWorkers returns every worker with at least one oplog row.
func (w *WorkerIndex) ActiveWorkers(ctx context.Context) ([]domain.OwnedWorkerId, error) {
	rows, err := w.pool.Query(ctx, `SELECT DISTINCT project, component, worker FROM oplog_entries`)
	if err != nil {
		return nil, fmt.Errorf("registry: list active workers: %w", err)
	}
	defer rows.Close()

	var out []domain.OwnedWorkerId
	for rows.Next() {
		var project, component, name string
		if err := rows.Scan(&project, &component, &name); err != nil {
			return nil, fmt.Errorf("registry: scan worker row: %w", err)
		}
		out = append(out, domain.OwnedWorkerId{
			Project:   domain.ProjectID(project),
			Component: domain.ComponentID(component),
			Worker:    domain.WorkerID(name),
		})
	}
	return out, rows.Err()
}

// RetrySource implements internal/retry.Source by re-deriving each active
// worker's status record and surfacing those currently in the Retrying
// state. The exact per-attempt delay computed at failure time (§4.6) is
// not persisted on WorkerStatusRecord, so this treats "currently Retrying"
// as "due" and relies on the scheduler's own poll interval plus a
// per-worker debounce window for pacing, rather than replaying the
// original backoff curve.
// activeWorkerLister is the narrow dependency RetrySource actually needs,
// satisfied by *WorkerIndex in production and a fake in tests.
type activeWorkerLister interface {
	ActiveWorkers(ctx context.Context) ([]domain.OwnedWorkerId, error)
}

type RetrySource struct {
	log          oplog.Log
	workers      activeWorkerLister
	deriver      *status.Deriver
	policy       *retry.Policy
	defaultRetry oplogentry.RetryPolicy

	mu         sync.Mutex
	dispatched map[string]time.Time
	debounce   time.Duration
}

func NewRetrySource(log oplog.Log, workers activeWorkerLister, policy *retry.Policy) *RetrySource {
	return &RetrySource{
		log:          log,
		workers:      workers,
		deriver:      status.NewDeriver(log, policy),
		policy:       policy,
		defaultRetry: retry.DefaultPolicy(),
		dispatched:   make(map[string]time.Time),
		debounce:     time.Second,
	}
}

func (s *RetrySource) DueForRetry(ctx context.Context, limit int) ([]retry.Due, error) {
	active, err := s.workers.ActiveWorkers(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []retry.Due
	for _, w := range active {
		key := w.String()
		if last, ok := s.dispatched[key]; ok && now.Sub(last) < s.debounce {
			continue
		}
		rec, err := s.deriver.Derive(ctx, w, nil, s.defaultRetry)
		if err != nil {
			return nil, fmt.Errorf("registry: derive status for %s: %w", key, err)
		}
		if rec.State != status.StateRetrying {
			continue
		}
		due = append(due, retry.Due{Worker: w, Attempt: rec.ConsecutiveErrors, ScheduledAt: now})
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (s *RetrySource) MarkDispatched(ctx context.Context, worker domain.OwnedWorkerId) error {
	s.mu.Lock()
	s.dispatched[worker.String()] = time.Now()
	s.mu.Unlock()
	return nil
}
