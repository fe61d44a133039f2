package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/postal-weather-service/internal/observability"
)

// Warmer loads a set of postal codes through the weather cache.
type Warmer interface {
	Warm(ctx context.Context, postalCodes []string) error
}

// Sweeper drops expired entries and reports how many were removed.
type Sweeper interface {
	Sweep() int
}

// Scheduler runs the service's periodic background jobs. Each job runs once
// on Start and then every interval; a run never overlaps the previous one.
type Scheduler struct {
	cron   *gocron.Scheduler
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. Jobs are registered with the Add methods.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: cron, logger: logger, ctx: ctx, cancel: cancel}
}

// AddWarming schedules cache warming for postalCodes. Each run is bounded by
// timeout. No job is added when postalCodes is empty.
func (s *Scheduler) AddWarming(w Warmer, postalCodes []string, interval, timeout time.Duration) error {
	if len(postalCodes) == 0 {
		s.logger.Info("scheduler: no postal codes configured for warming")
		return nil
	}
	codes := append([]string(nil), postalCodes...)
	_, err := s.cron.Every(interval).Tag("cache_warming").Do(func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		if err := w.Warm(ctx, codes); err != nil {
			s.logger.Warn("scheduled cache warming failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cache warming: %w", err)
	}
	return nil
}

// AddSweep schedules removal of expired in-memory entries.
func (s *Scheduler) AddSweep(sw Sweeper, interval time.Duration) error {
	_, err := s.cron.Every(interval).Tag("memory_sweep").Do(func() {
		if n := sw.Sweep(); n > 0 {
			observability.MemoryStoreSweptTotal.Add(float64(n))
			s.logger.Debug("swept expired cache entries", zap.Int("removed", n))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule memory sweep: %w", err)
	}
	return nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return s.cron.Len()
}

// Start runs the jobs in the background.
func (s *Scheduler) Start() {
	if s.cron.Len() == 0 {
		return
	}
	s.logger.Info("scheduler starting", zap.Int("jobs", s.cron.Len()))
	s.cron.StartAsync()
}

// Stop cancels running jobs and stops future runs.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.cron.IsRunning() {
		s.cron.Stop()
	}
}
