package retention

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/bgtaskd/internal/config"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	count   int64
}

func (p *fakePruner) EventCount(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count, nil
}

func (p *fakePruner) PruneEvents(_ context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, cutoff)
	return 3, nil
}

func TestNewSchedulerRejectsBadExpression(t *testing.T) {
	_, err := NewScheduler(Config{
		Store:     &fakePruner{},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retention: config.RetentionConfig{TaskEventsDays: 30, Schedule: "not a cron"},
	})
	if err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestPruneUsesRetentionWindow(t *testing.T) {
	pruner := &fakePruner{count: 10}
	s, err := NewScheduler(Config{
		Store:     pruner,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retention: config.RetentionConfig{TaskEventsDays: 30, Schedule: "30 3 * * *"},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.Prune(context.Background())

	pruner.mu.Lock()
	defer pruner.mu.Unlock()
	if len(pruner.cutoffs) != 1 {
		t.Fatalf("prune calls = %d, want 1", len(pruner.cutoffs))
	}
	want := time.Now().Add(-30 * 24 * time.Hour)
	if diff := pruner.cutoffs[0].Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("cutoff = %v, want about %v", pruner.cutoffs[0], want)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRunTime("30 3 * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
