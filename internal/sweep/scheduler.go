package sweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// SchedulerConfig bounds one recurring sweep loop.
type SchedulerConfig struct {
	Interval   time.Duration
	BatchLimit int
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:   2 * time.Minute,
		BatchLimit: DefaultBatchLimit,
	}
}

// Scheduler invokes the sweeper on a fixed interval. Interval and batch
// limit are adjustable at runtime for config reload; changes take effect on
// the next tick.
type Scheduler struct {
	sweeper *Sweeper
	clock   clockwork.Clock
	logger  *slog.Logger

	interval   atomic.Int64 // nanoseconds
	batchLimit atomic.Int64

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(sweeper *Sweeper, cfg SchedulerConfig, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		sweeper:  sweeper,
		clock:    clock,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	s.interval.Store(int64(cfg.Interval))
	s.batchLimit.Store(int64(cfg.BatchLimit))
	return s
}

func (s *Scheduler) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval.Store(int64(d))
	}
}

func (s *Scheduler) SetBatchLimit(n int) {
	if n > 0 {
		s.batchLimit.Store(int64(n))
	}
}

func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("sweep scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("sweep_scheduler_started",
		slog.Duration("interval", s.Interval()),
		slog.Int64("batch_limit", s.batchLimit.Load()))
	return nil
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errors.New("sweep scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	s.logger.Info("sweep_scheduler_stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Sweep immediately on start, then on every tick.
	s.sweepOnce(ctx)

	interval := s.Interval()
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.Chan():
			s.sweepOnce(ctx)
			if next := s.Interval(); next != interval {
				interval = next
				ticker.Reset(interval)
				s.logger.Info("sweep_interval_changed", slog.Duration("interval", interval))
			}
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	if _, err := s.sweeper.Run(ctx, int(s.batchLimit.Load())); err != nil {
		// Total store unavailability; the next scheduled run retries.
		s.logger.Error("sweep_run_failed", slog.Any("err", err))
	}
}
