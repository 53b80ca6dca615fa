package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lootwatch/lootwatch/app/database"
	"github.com/lootwatch/lootwatch/app/pipeline"
)

// CycleRunner runs one detection cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (pipeline.Stats, error)
}

// Scheduler drives the pipeline on a fixed interval. Cycles never overlap:
// the loop is serial, and a manual trigger that lands mid-cycle is handled
// after the running cycle finishes.
type Scheduler struct {
	runner    CycleRunner
	ledger    database.LedgerRepository
	interval  time.Duration
	retention time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger chan struct{}
}

func NewScheduler(runner CycleRunner, ledger database.LedgerRepository, interval, retention time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:    runner,
		ledger:    ledger,
		interval:  interval,
		retention: retention,
		ctx:       ctx,
		cancel:    cancel,
		trigger:   make(chan struct{}, 1),
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runCycle()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.runCycle()
				s.pruneLedger()
			case <-s.trigger:
				s.runCycle()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// TriggerRefresh requests an immediate cycle. Returns false when a manual
// refresh is already pending.
func (s *Scheduler) TriggerRefresh() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) runCycle() {
	stats, err := s.runner.RunCycle(s.ctx)
	if err != nil {
		slog.Error("Detection cycle failed", "error", err)
		return
	}

	slog.Info("Detection cycle completed",
		"duration", stats.Duration.String(),
		"entries", stats.Entries,
		"new_entries", stats.NewEntries,
		"candidates", stats.Candidates,
		"duplicates", stats.Duplicates,
		"emitted", stats.Emitted,
		"not_found", stats.NotFound,
		"failed", stats.Failed)
}

func (s *Scheduler) pruneLedger() {
	if s.retention <= 0 {
		return
	}

	removed, err := s.ledger.Prune(time.Now().UTC().Add(-s.retention))
	if err != nil {
		slog.Warn("Ledger prune failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Debug("Pruned ledger records", "removed", removed)
	}
}
