package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/logging"
	"github.com/golemsrv/durability/internal/oplog"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// MoverConfig configures the background pipeline that promotes primary-log
// ranges into compressed archive layer 1, adapted from the teacher's outbox
// relay worker pool (internal/eventbus.OutboxRelay).
type MoverConfig struct {
	Workers        int
	PollInterval   time.Duration
	KeepInPrimary  uint64 // entries newer than (last_index - KeepInPrimary) stay in layer 0
}

const (
	defaultMoverWorkers  = 2
	defaultMoverPoll     = 500 * time.Millisecond
	defaultKeepInPrimary = 1000

	// sweepConcurrency bounds how many of a shard's workers move
	// concurrently within one sweep, independent of the shard's size.
	sweepConcurrency = 8
)

// WorkerSource enumerates workers the mover should consider, so the mover
// itself never needs a global workers table of its own.
type WorkerSource interface {
	ActiveWorkers(ctx context.Context) ([]domain.OwnedWorkerId, error)
}

// Progress is this worker's archive-move progress, mirroring the teacher's
// jobtracker.Progress shape (percent/phase/heartbeat) but keyed by worker
// instead of by job id and reported in oplog-index terms instead of
// percent, since a mover's unit of work has no natural denominator.
type Progress struct {
	Worker      domain.OwnedWorkerId
	LastMoved   oplogentry.Index
	UpdatedAt   time.Time
	HeartbeatAt time.Time
}

// Mover periodically scans each worker's primary oplog and moves the
// portion older than KeepInPrimary entries from the tail into the archive's
// layer 1, then drops it from the primary log.
type Mover struct {
	log     oplog.Log
	archive *MultiLayerService
	source  WorkerSource
	cfg     MoverConfig

	stopCh chan struct{}
	wg     sync.WaitGroup

	progMu   sync.RWMutex
	progress map[domain.OwnedWorkerId]*Progress
}

func NewMover(log oplog.Log, archive *MultiLayerService, source WorkerSource, cfg MoverConfig) *Mover {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultMoverWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultMoverPoll
	}
	if cfg.KeepInPrimary == 0 {
		cfg.KeepInPrimary = defaultKeepInPrimary
	}
	return &Mover{
		log:      log,
		archive:  archive,
		source:   source,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		progress: make(map[domain.OwnedWorkerId]*Progress),
	}
}

// Start launches cfg.Workers poller goroutines, each sweeping a disjoint
// slice of the active worker set on each tick.
func (mv *Mover) Start(ctx context.Context) {
	for i := 0; i < mv.cfg.Workers; i++ {
		shard := i
		mv.wg.Add(1)
		go mv.run(ctx, shard)
	}
}

func (mv *Mover) run(ctx context.Context, shard int) {
	defer mv.wg.Done()
	ticker := time.NewTicker(mv.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mv.stopCh:
			return
		case <-ticker.C:
			mv.sweep(ctx, shard)
		}
	}
}

// sweep moves this shard's workers concurrently, bounded by a fixed limit
// so a slow archive write on one worker doesn't serialize the rest of the
// shard behind it; one worker's move failing never aborts its siblings'.
func (mv *Mover) sweep(ctx context.Context, shard int) {
	workers, err := mv.source.ActiveWorkers(ctx)
	if err != nil {
		logging.Op().Error("archive mover: list active workers", "error", err)
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i, w := range workers {
		if i%mv.cfg.Workers != shard {
			continue
		}
		w := w
		g.Go(func() error {
			if err := mv.moveOne(gctx, w); err != nil {
				logging.OpForWorker(w).Error("archive mover: move worker range", "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (mv *Mover) moveOne(ctx context.Context, worker domain.OwnedWorkerId) error {
	last, err := mv.log.GetLastIndex(ctx, worker)
	if err != nil {
		return fmt.Errorf("archive mover: get_last_index: %w", err)
	}
	if last == oplogentry.None {
		return nil
	}
	cutoff := last.Subtract(mv.cfg.KeepInPrimary)
	if cutoff == oplogentry.None || cutoff < oplogentry.Initial {
		return nil
	}

	entries, err := mv.log.ReadRange(ctx, worker, oplogentry.Initial, cutoff.Next())
	if err != nil {
		return fmt.Errorf("archive mover: read_range: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	handle := mv.archive.Open(worker)
	if err := handle.Append(ctx, entries); err != nil {
		return fmt.Errorf("archive mover: append chunk: %w", err)
	}
	// Archive copy must be stable before the primary drop (§5 ordering:
	// "never before its primary copy is stable" — here read the other
	// direction: the primary is only dropped once the archive write above
	// has returned successfully).
	if err := mv.log.DropPrefix(ctx, worker, cutoff); err != nil {
		return fmt.Errorf("archive mover: drop_prefix: %w", err)
	}

	mv.progMu.Lock()
	now := time.Now()
	mv.progress[worker] = &Progress{Worker: worker, LastMoved: cutoff, UpdatedAt: now, HeartbeatAt: now}
	mv.progMu.Unlock()
	return nil
}

// ProgressFor returns the last recorded move progress for worker, if any.
func (mv *Mover) ProgressFor(worker domain.OwnedWorkerId) (*Progress, bool) {
	mv.progMu.RLock()
	defer mv.progMu.RUnlock()
	p, ok := mv.progress[worker]
	return p, ok
}

// Stop signals every sweeper goroutine to exit and waits for them to drain.
func (mv *Mover) Stop() {
	close(mv.stopCh)
	mv.wg.Wait()
}
