package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/mockprep/internal/metrics"
	"github.com/ashureev/mockprep/internal/shared"
	"github.com/ashureev/mockprep/internal/store"
	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweeper every five minutes.
const DefaultSweepSchedule = "@every 5m"

// CleanupCallback is called for each owner whose session the sweeper removed.
type CleanupCallback func(owner string)

// Sweeper periodically deletes persisted sessions idle for longer than ttl.
type Sweeper struct {
	repo      store.Repository
	ttl       time.Duration
	onCleanup CleanupCallback
	logger    *slog.Logger
	now       func() time.Time
	cron      *cron.Cron
}

// NewSweeper creates a sweeper; call Start to schedule it.
func NewSweeper(repo store.Repository, ttl time.Duration, onCleanup CleanupCallback, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:      repo,
		ttl:       ttl,
		onCleanup: onCleanup,
		logger:    logger,
		now:       time.Now,
		cron:      cron.New(),
	}
}

// Start schedules the sweep with a cron spec such as "@every 5m".
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("Session sweeper run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule session sweeper: %w", err)
	}
	s.cron.Start()
	s.logger.Info("Session sweeper started", "schedule", schedule, "ttl", s.ttl)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Session sweeper stopped")
}

// RunOnce performs a single sweep and returns the number of sessions removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	cutoff := s.now().Add(-s.ttl)

	owners, err := s.deleteIdleWithRetry(ctx, cutoff)
	if err != nil {
		metrics.PersistFailure("sweep")
		return 0, err
	}
	if len(owners) == 0 {
		return 0, nil
	}

	s.logger.Info("Session sweeper removed idle sessions", "count", len(owners))
	for _, owner := range owners {
		metrics.SessionEnded("expired")
		if s.onCleanup != nil {
			s.onCleanup(owner)
		}
	}
	return len(owners), nil
}

// deleteIdleWithRetry retries SQLITE_BUSY with exponential backoff.
func (s *Sweeper) deleteIdleWithRetry(ctx context.Context, cutoff time.Time) ([]string, error) {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		owners, err := s.repo.DeleteIdle(ctx, cutoff)
		if err == nil {
			return owners, nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := shared.Backoff(baseDelay, i)
			s.logger.Debug("Session sweeper: database locked, retrying",
				"attempt", i+1,
				"delay", delay)
			select {
			case <-ctx.Done():
				return nil, nil
			case <-time.After(delay):
			}
			continue
		}

		return nil, fmt.Errorf("delete idle sessions after %d attempts: %w", i+1, err)
	}
	return nil, nil
}
