// Package retention removes settled intents once they age out of the
// configured window, keeping the store bounded on long-lived installs.
package retention

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/quietsend/quietsend/internal/jobs"
	"github.com/quietsend/quietsend/internal/metrics"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
)

// sweepCron fires daily at 03:00 local time.
const sweepCron = "0 0 3 * * *"

// Only settled sends age out. Pending and cancelled intents are kept
// indefinitely.
var sweepStatuses = []types.IntentStatus{
	types.StatusSent,
	types.StatusDelivered,
	types.StatusFailed,
}

// Runtime is the slice of the job runtime the sweeper needs.
type Runtime interface {
	Register(kind string, h jobs.HandlerFunc)
	UpsertSchedule(id string, spec jobs.ScheduleSpec, limits jobs.ScheduleLimits, kind string, p jobs.Payload) error
}

// Sweeper deletes terminal intents older than the retention window.
type Sweeper struct {
	store  *store.Store
	clock  clockwork.Clock
	logger zerolog.Logger
	days   int
}

// New builds a sweeper with a window of days. Zero days disables sweeping.
func New(st *store.Store, clock clockwork.Clock, logger zerolog.Logger, days int) *Sweeper {
	return &Sweeper{
		store:  st,
		clock:  clock,
		logger: logger.With().Str("component", "retention").Logger(),
		days:   days,
	}
}

// Register installs the sweep handler and, unless sweeping is disabled, the
// daily schedule. The handler is installed either way so a sweep job left
// in the queue by a previous configuration still drains cleanly.
func (s *Sweeper) Register(rt Runtime) error {
	rt.Register(jobs.KindRetentionSweep, s.HandleSweep)
	if s.days <= 0 {
		s.logger.Info().Msg("Retention sweeping disabled")
		return nil
	}
	err := rt.UpsertSchedule("retention-sweep", jobs.ScheduleSpec{Pattern: sweepCron},
		jobs.ScheduleLimits{}, jobs.KindRetentionSweep, jobs.Payload{})
	if err != nil {
		return err
	}
	s.logger.Info().Int("retention_days", s.days).Msg("Retention sweeping enabled")
	return nil
}

// HandleSweep runs one sweep pass.
func (s *Sweeper) HandleSweep(ctx context.Context, _ *jobs.Job) error {
	cutoff := s.clock.Now().UTC().Add(-time.Duration(s.days) * 24 * time.Hour)
	n, err := s.store.DeleteTerminalOlderThan(ctx, cutoff, sweepStatuses)
	if err != nil {
		return err
	}
	metrics.IntentsSwept.Add(float64(n))
	s.logger.Info().
		Int64("deleted", n).
		Time("cutoff", cutoff).
		Msg("Retention sweep completed")
	return nil
}
