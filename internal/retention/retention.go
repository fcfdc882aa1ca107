// Package retention prunes the task event journal on a cron schedule so the
// database does not grow without bound on long-lived devices.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/bgtaskd/internal/config"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Pruner is the slice of the persistence store the pruner needs.
type Pruner interface {
	EventCount(ctx context.Context) (int64, error)
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the dependencies for the retention pruner.
type Config struct {
	Store     Pruner
	Logger    *slog.Logger
	Retention config.RetentionConfig
}

// Scheduler runs the journal prune at the configured cron schedule.
type Scheduler struct {
	store    Pruner
	logger   *slog.Logger
	schedule cronlib.Schedule
	keep     time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a stopped scheduler. The cron expression is validated
// here so a config typo surfaces at startup, not at three in the morning.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := cronParser.Parse(cfg.Retention.Schedule)
	if err != nil {
		return nil, err
	}
	days := cfg.Retention.TaskEventsDays
	if days <= 0 {
		days = 90
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger.With("component", "retention"),
		schedule: sched,
		keep:     time.Duration(days) * 24 * time.Hour,
	}, nil
}

// Start begins the prune loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "keep", s.keep)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.prune(ctx)
		}
	}
}

// Prune deletes journal entries older than the retention window. Exposed for
// the diagnostic surface so operators can force a run.
func (s *Scheduler) Prune(ctx context.Context) {
	s.prune(ctx)
}

func (s *Scheduler) prune(ctx context.Context) {
	cutoff := time.Now().Add(-s.keep)
	deleted, err := s.store.PruneEvents(ctx, cutoff)
	if err != nil {
		s.logger.Error("prune task events", "error", err)
		return
	}
	remaining, err := s.store.EventCount(ctx)
	if err != nil {
		s.logger.Error("count task events", "error", err)
		return
	}
	s.logger.Info("journal pruned", "deleted", deleted, "remaining", remaining, "cutoff", cutoff)
}

// NextRunTime returns the next firing of a cron expression after a time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
