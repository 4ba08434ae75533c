// Package dispatch executes send jobs: it pushes pending intents through
// the cap check, the socket and the terminal status write, and produces
// fresh intents for recurrence firings.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/quietsend/quietsend/internal/chat"
	"github.com/quietsend/quietsend/internal/events"
	"github.com/quietsend/quietsend/internal/jobs"
	"github.com/quietsend/quietsend/internal/metrics"
	"github.com/quietsend/quietsend/internal/ratelimit"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
)

// SocketSource yields the live chat session. Nil means not connected, which
// the dispatcher treats as a transient failure so the job runtime retries.
type SocketSource interface {
	GetClient() chat.Client
}

// Enqueuer is the slice of the job runtime used to arm the send job for a
// freshly fired recurrence.
type Enqueuer interface {
	AddDelayed(ctx context.Context, kind string, p jobs.Payload, delay time.Duration, jobID string) error
}

// Config tunes the inter-send pacing sleep.
type Config struct {
	MinSendDelay time.Duration
	MaxSendDelay time.Duration
}

// Dispatcher is driven by the job runtime's single consumer, so its methods
// never run concurrently with each other.
type Dispatcher struct {
	store   *store.Store
	limiter *ratelimit.Limiter
	socket  SocketSource
	enq     Enqueuer
	bus     *events.Bus
	clock   clockwork.Clock
	logger  zerolog.Logger
	cfg     Config
	rng     *rand.Rand
}

func New(st *store.Store, limiter *ratelimit.Limiter, socket SocketSource, enq Enqueuer, bus *events.Bus, clock clockwork.Clock, logger zerolog.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:   st,
		limiter: limiter,
		socket:  socket,
		enq:     enq,
		bus:     bus,
		clock:   clock,
		logger:  logger.With().Str("component", "dispatch").Logger(),
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register wires the dispatcher's handlers into the job runtime.
func (d *Dispatcher) Register(rt *jobs.Runtime) {
	rt.Register(jobs.KindSendIntent, d.HandleSendIntent)
	rt.Register(jobs.KindFireRecurrence, d.HandleFireRecurrence)
	rt.OnExhausted(jobs.KindSendIntent, d.OnSendExhausted)
}

// HandleSendIntent executes one send job. Transient provider conditions are
// returned to the runtime for retry; every other outcome settles the intent
// and returns nil.
func (d *Dispatcher) HandleSendIntent(ctx context.Context, job *jobs.Job) error {
	start := d.clock.Now()

	in, err := d.store.GetIntent(ctx, job.Payload.IntentID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			d.logger.Debug().Str("intent_id", job.Payload.IntentID).Msg("Intent gone, dropping job")
			return nil
		}
		return err
	}
	if in.Status == types.StatusCancelled {
		metrics.IntentsDispatched.WithLabelValues(metrics.ResultCancelled).Inc()
		d.logger.Debug().Str("intent_id", in.ID).Msg("Intent cancelled, dropping job")
		return nil
	}
	if in.Status != types.StatusPending {
		d.logger.Debug().
			Str("intent_id", in.ID).
			Str("status", string(in.Status)).
			Msg("Intent already settled, dropping job")
		return nil
	}

	allowed, rate, err := d.limiter.CanSend(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		reason := fmt.Sprintf("Daily message cap reached (%d/%d)", rate.SentToday, rate.DailyCap)
		d.settleFailed(ctx, in.ID, reason, metrics.ResultCapped)
		d.limiter.CheckAndWarn(ctx)
		return nil
	}

	address, err := d.resolveAddress(ctx, in)
	if err != nil {
		d.settleFailed(ctx, in.ID, err.Error(), metrics.ResultFailed)
		return nil
	}

	client := d.socket.GetClient()
	if client == nil {
		return types.Transientf("chat socket not connected")
	}

	payload, err := chat.BuildPayload(in.Content, in.MediaURL, in.MediaKind)
	if err != nil {
		d.settleFailed(ctx, in.ID, err.Error(), metrics.ResultFailed)
		return nil
	}

	pmID, err := client.Send(ctx, address, payload)
	if err != nil {
		if types.IsRetryable(err) {
			return err
		}
		d.settleFailed(ctx, in.ID, err.Error(), metrics.ResultFailed)
		return nil
	}

	now := d.clock.Now().UTC()
	ok, err := d.store.MarkSent(ctx, in.ID, pmID, now)
	if err != nil {
		return err
	}
	if !ok {
		// Cancel committed while the provider call was in flight. The row
		// stays cancelled.
		metrics.IntentsDispatched.WithLabelValues(metrics.ResultCancelled).Inc()
		d.logger.Warn().Str("intent_id", in.ID).Msg("Intent cancelled during send")
		return nil
	}

	metrics.IntentsDispatched.WithLabelValues(metrics.ResultSent).Inc()
	metrics.DispatchDuration.Observe(d.clock.Since(start).Seconds())
	d.logger.Info().
		Str("intent_id", in.ID).
		Str("provider_message_id", pmID).
		Int("attempt", job.Attempt).
		Msg("Intent sent")

	d.publishStatus(types.EventMessageSent, in.ID, types.StatusSent, pmID, "", now)
	d.limiter.CheckAndWarn(ctx)
	d.pace(ctx)
	return nil
}

// OnSendExhausted settles the intent after the runtime's final retry.
func (d *Dispatcher) OnSendExhausted(ctx context.Context, job *jobs.Job, lastErr error) {
	d.settleFailed(ctx, job.Payload.IntentID, lastErr.Error(), metrics.ResultFailed)
}

// HandleFireRecurrence creates a fresh intent from the rule and arms its
// send job with zero delay.
func (d *Dispatcher) HandleFireRecurrence(ctx context.Context, job *jobs.Job) error {
	rule, err := d.store.GetRule(ctx, job.Payload.RuleID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			d.logger.Debug().Str("rule_id", job.Payload.RuleID).Msg("Rule gone, dropping firing")
			return nil
		}
		return err
	}
	if !rule.Enabled || rule.Exhausted() {
		return nil
	}
	now := d.clock.Now().UTC()
	if rule.EndDate != nil && now.After(*rule.EndDate) {
		return nil
	}

	in := &types.Intent{
		ID:               uuid.NewString(),
		ContactID:        rule.ContactID,
		Content:          rule.Content,
		MediaURL:         rule.MediaURL,
		MediaKind:        rule.MediaKind,
		ScheduledAt:      now,
		Status:           types.StatusPending,
		RecurrenceRuleID: rule.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := d.store.CreateIntentForRule(ctx, in, rule.ID, now); err != nil {
		return err
	}
	metrics.IntentsScheduled.Inc()
	d.logger.Info().
		Str("rule_id", rule.ID).
		Str("intent_id", in.ID).
		Int("occurrence", rule.OccurrenceCount+1).
		Msg("Recurrence fired")

	return d.enq.AddDelayed(ctx, jobs.KindSendIntent, jobs.SendIntent(in.ID), 0, jobs.SendJobID(in.ID))
}

func (d *Dispatcher) resolveAddress(ctx context.Context, in *types.Intent) (string, error) {
	if in.GroupID != "" {
		return chat.GroupAddress(in.GroupID), nil
	}
	contact, err := d.store.GetContact(ctx, in.ContactID)
	if err != nil {
		return "", err
	}
	return chat.ContactAddress(contact.Phone), nil
}

// settleFailed marks the intent failed and emits the failure event. The
// pending-only guard keeps it away from rows that settled concurrently.
func (d *Dispatcher) settleFailed(ctx context.Context, intentID, reason, result string) {
	now := d.clock.Now().UTC()
	ok, err := d.store.MarkFailed(ctx, intentID, reason, now)
	if err != nil {
		d.logger.Error().Err(err).Str("intent_id", intentID).Msg("Failed mark failed")
		return
	}
	if !ok {
		return
	}
	metrics.IntentsDispatched.WithLabelValues(result).Inc()
	d.logger.Warn().
		Str("intent_id", intentID).
		Str("reason", reason).
		Msg("Intent failed")
	d.publishStatus(types.EventMessageFailed, intentID, types.StatusFailed, "", reason, now)
}

func (d *Dispatcher) publishStatus(evt types.EventType, id string, status types.IntentStatus, pmID, reason string, at time.Time) {
	d.bus.Publish(types.Event{Type: evt, Data: types.MessageEvent{
		MessageID:         id,
		Status:            status,
		ProviderMessageID: pmID,
		Reason:            reason,
		At:                at,
	}})
}

// pace sleeps a uniform random duration in [MinSendDelay, MaxSendDelay)
// after a successful send. Together with the runtime's gap this produces a
// human-like cadence.
func (d *Dispatcher) pace(ctx context.Context) {
	lo, hi := d.cfg.MinSendDelay, d.cfg.MaxSendDelay
	if lo <= 0 && hi <= 0 {
		return
	}
	delay := lo
	if hi > lo {
		delay = lo + time.Duration(d.rng.Float64()*float64(hi-lo))
	}
	select {
	case <-ctx.Done():
	case <-d.clock.After(delay):
	}
}
