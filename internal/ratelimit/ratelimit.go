package ratelimit

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/quietsend/quietsend/internal/metrics"
	"github.com/quietsend/quietsend/internal/types"
)

// istOffset shifts UTC to Indian Standard Time. The daily cap tracks the
// recipient market's calendar day, not the host timezone.
const istOffset = 5*time.Hour + 30*time.Minute

// SuccessCounter counts intents dispatched successfully inside a window.
// *store.Store satisfies it.
type SuccessCounter interface {
	CountTerminalSuccessIn(ctx context.Context, start, end time.Time) (int, error)
}

// Publisher fans an event out to subscribers.
type Publisher interface {
	Publish(evt types.Event)
}

// Limiter enforces the daily send cap. It keeps no counter of its own: usage
// is derived from the intent store on every check, so it survives restarts
// and cannot drift from what was actually sent.
type Limiter struct {
	counter SuccessCounter
	bus     Publisher
	clock   clockwork.Clock
	logger  zerolog.Logger

	cap     int
	warnPct int
}

func New(counter SuccessCounter, bus Publisher, dailyCap, warnPct int, clock clockwork.Clock, logger zerolog.Logger) *Limiter {
	return &Limiter{
		counter: counter,
		bus:     bus,
		clock:   clock,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		cap:     dailyCap,
		warnPct: warnPct,
	}
}

// DayWindow returns the IST calendar day containing now as a [start, end)
// pair of UTC instants.
func DayWindow(now time.Time) (time.Time, time.Time) {
	start := now.UTC().Add(istOffset).Truncate(24 * time.Hour).Add(-istOffset)
	return start, start.Add(24 * time.Hour)
}

// Status reports current usage against the cap.
func (l *Limiter) Status(ctx context.Context) (*types.RateStatus, error) {
	start, end := DayWindow(l.clock.Now())
	sent, err := l.counter.CountTerminalSuccessIn(ctx, start, end)
	if err != nil {
		return nil, err
	}
	remaining := l.cap - sent
	if remaining < 0 {
		remaining = 0
	}
	metrics.RateLimitUsage.Set(float64(sent))
	metrics.RateLimitCap.Set(float64(l.cap))
	return &types.RateStatus{
		SentToday: sent,
		DailyCap:  l.cap,
		Remaining: remaining,
		ResetAt:   end,
		Warning:   sent >= l.warnThreshold(),
	}, nil
}

// CanSend reports whether one more send fits under today's cap. The returned
// status is always populated on success so callers can attach it to errors.
func (l *Limiter) CanSend(ctx context.Context) (bool, *types.RateStatus, error) {
	st, err := l.Status(ctx)
	if err != nil {
		return false, nil, err
	}
	return st.SentToday < l.cap, st, nil
}

// CheckAndWarn publishes a threshold event for the current usage. It fires
// after every dispatch rather than only on the crossing edge, so subscribers
// that attach late still hear about an exhausted day.
func (l *Limiter) CheckAndWarn(ctx context.Context) {
	st, err := l.Status(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Rate limit status check failed")
		return
	}
	resetAt := st.ResetAt
	evt := types.RateEvent{
		SentToday: st.SentToday,
		Cap:       st.DailyCap,
		Remaining: st.Remaining,
		ResetAt:   &resetAt,
	}
	switch {
	case st.SentToday >= l.cap:
		l.logger.Warn().
			Int("sent_today", st.SentToday).
			Int("daily_cap", l.cap).
			Msg("Daily message cap reached")
		l.bus.Publish(types.Event{Type: types.EventRateReached, Data: evt})
	case st.SentToday >= l.warnThreshold():
		l.logger.Info().
			Int("sent_today", st.SentToday).
			Int("daily_cap", l.cap).
			Msg("Approaching daily message cap")
		l.bus.Publish(types.Event{Type: types.EventRateWarning, Data: evt})
	}
}

func (l *Limiter) warnThreshold() int {
	return l.cap * l.warnPct / 100
}
