package retry

import (
	"context"
	"sync"
	"time"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/logging"
	"github.com/golemsrv/durability/internal/notify"
)

// Due is one worker whose RetryDecision has elapsed and is ready for
// re-invocation.
type Due struct {
	Worker     domain.OwnedWorkerId
	Attempt    int
	ScheduledAt time.Time
}

// Source is implemented by the worker registry: it reports which workers
// are currently Retrying with a due delay, and is told when an attempt was
// dispatched so it doesn't get handed the same worker twice concurrently.
type Source interface {
	DueForRetry(ctx context.Context, limit int) ([]Due, error)
	MarkDispatched(ctx context.Context, worker domain.OwnedWorkerId) error
}

// SchedulerConfig configures the retry scheduler's polling worker pool,
// adapted from the teacher's asyncqueue.Config (poll interval, worker
// count, lease-like dispatch bookkeeping) narrowed to this module's single
// concern: waking Retrying workers.
type SchedulerConfig struct {
	Workers       int
	PollInterval  time.Duration
	MaxAttempts   int
	Notifier      notify.Notifier
}

const (
	defaultSchedulerWorkers = 4
	defaultPollInterval     = 200 * time.Millisecond
)

// Scheduler polls Source for due retries and dispatches each to Wake,
// mirroring the teacher's poll-plus-push-notification worker pool shape
// (internal/asyncqueue, internal/eventbus) but narrowed to a single queue
// with no DB-backed lease — dispatch bookkeeping is the Source's job.
type Scheduler struct {
	source Source
	wake   WakeFunc
	cfg    SchedulerConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewScheduler(source Source, wake WakeFunc, cfg SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultSchedulerWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewChannelNotifier()
	}
	return &Scheduler{source: source, wake: wake, cfg: cfg, stopCh: make(chan struct{})}
}

// Start launches cfg.Workers poller goroutines, each woken either by its
// ticker or by a push notification on TopicRetryDue, whichever comes first —
// the same "polling with a push shortcut" shape as the teacher's async queue
// worker pool.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.run(ctx)
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	wakeCh := s.cfg.Notifier.Subscribe(ctx, notify.TopicRetryDue)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.poll(ctx)
		case <-wakeCh:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.source.DueForRetry(ctx, 1)
	if err != nil {
		logging.Op().Error("retry scheduler: poll due", "error", err)
		return
	}
	for _, d := range due {
		if err := s.source.MarkDispatched(ctx, d.Worker); err != nil {
			logging.OpForWorker(d.Worker).Error("retry scheduler: mark dispatched", "error", err)
			continue
		}
		if err := s.wake(ctx); err != nil {
			logging.OpForWorker(d.Worker).Error("retry scheduler: wake worker failed", "attempt", d.Attempt, "error", err)
		}
	}
}

// Stop signals every poller goroutine to exit and waits for them to drain,
// matching the teacher's graceful-shutdown convention (stopCh + WaitGroup).
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
