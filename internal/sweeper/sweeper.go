// Package sweeper schedules periodic cleanup of expired operation records
// and their status-index entries.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"relayd/pkg/logger"
)

// Cleaner is the slice of the operation store the sweeper drives;
// *opstore.Store satisfies it.
type Cleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

// DefaultCron runs the sweep every ten minutes.
const DefaultCron = "*/10 * * * *"

// Sweeper runs a Cleaner on a cron schedule.
type Sweeper struct {
	cleaner Cleaner
	cron    string
}

// New validates the cron expression and returns a sweeper. An empty
// expression means DefaultCron.
func New(cleaner Cleaner, cronExpr string) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cronExpr)
	}
	return &Sweeper{cleaner: cleaner, cron: cronExpr}, nil
}

// RunImmediate triggers one sweep outside the schedule, for admin
// endpoints and tests.
func (s *Sweeper) RunImmediate(ctx context.Context) (int, error) {
	return s.cleaner.Cleanup(ctx)
}

// Start launches the scheduler goroutine and returns its cancel func.
func (s *Sweeper) Start(ctx context.Context) context.CancelFunc {
	ctx2, cancel := context.WithCancel(ctx)
	logger.Info("sweeper_started", "cron", s.cron)
	go s.runScheduler(ctx2)
	return cancel
}

// runScheduler computes the next tick for the cron expression and sleeps
// until then.
func (s *Sweeper) runScheduler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(s.cron, now, false)
		if err != nil {
			logger.Error("sweeper_nexttick_failed", "cron", s.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			s.runOnce(ctx)
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	start := time.Now()
	removed, err := s.cleaner.Cleanup(ctx)
	if err != nil {
		logger.Error("sweep_failed", "error", err)
		return
	}
	logger.Info("sweep_complete", "removed", removed, "elapsed", time.Since(start).String())
}
