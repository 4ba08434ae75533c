// Package jobs is the durable job runtime: delayed one-shot jobs plus
// recurring schedules that emit them. Jobs live in the store, so they
// survive restarts; a single consumer executes them with a minimum gap
// between starts.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quietsend/quietsend/internal/metrics"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
)

// Job is the unit handed to a handler. Attempt is 1-based.
type Job struct {
	ID      string
	Kind    string
	Payload Payload
	Attempt int
}

// HandlerFunc executes one job. A types.KindProviderTransient error requeues
// the job with backoff; any other error settles it as failed.
type HandlerFunc func(ctx context.Context, job *Job) error

// ExhaustedFunc runs after a job's final failed attempt.
type ExhaustedFunc func(ctx context.Context, job *Job, lastErr error)

// Options tunes the runtime. Zero values fall back to production defaults.
type Options struct {
	// Gap is the minimum interval between job starts.
	Gap time.Duration
	// Poll is how long the consumer sleeps when nothing is due.
	Poll time.Duration
	// MaxAttempts is the total number of executions per job.
	MaxAttempts int
	// RetryBase is the backoff base; attempt n retries after RetryBase*2^(n-1).
	RetryBase time.Duration
	// CompletedTTL and FailedTTL bound how long settled rows are kept.
	CompletedTTL time.Duration
	FailedTTL    time.Duration
}

func (o *Options) withDefaults() {
	if o.Gap <= 0 {
		o.Gap = 2 * time.Second
	}
	if o.Poll <= 0 {
		o.Poll = 500 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 5 * time.Second
	}
	if o.CompletedTTL <= 0 {
		o.CompletedTTL = 24 * time.Hour
	}
	if o.FailedTTL <= 0 {
		o.FailedTTL = 7 * 24 * time.Hour
	}
}

type schedule struct {
	entry          cron.EntryID
	kind           string
	payload        Payload
	lastDayOfMonth bool
	endDate        *time.Time
	limit          *int
	fired          int
}

// ScheduleSpec says when a schedule fires. Exactly one of Pattern or Every
// is set. Pattern uses six fields with a leading seconds column.
type ScheduleSpec struct {
	Pattern string
	Every   time.Duration
	// LastDayOfMonth restricts a daily Pattern to the month's final day.
	LastDayOfMonth bool
}

// ScheduleLimits bound a schedule's lifetime. EndDate removes it at the
// first firing past the date; Limit removes it after that many firings.
type ScheduleLimits struct {
	EndDate *time.Time
	Limit   *int
}

// Runtime owns the job queue consumer and the cron schedules.
type Runtime struct {
	store  *store.Store
	clock  clockwork.Clock
	logger zerolog.Logger
	opts   Options

	gate *rate.Limiter
	cron *cron.Cron
	wake chan struct{}

	handlers  map[string]HandlerFunc
	exhausted map[string]ExhaustedFunc

	mu        sync.Mutex
	schedules map[string]*schedule

	cancel context.CancelFunc
	done   chan struct{}
}

func New(st *store.Store, clock clockwork.Clock, logger zerolog.Logger, opts Options) *Runtime {
	opts.withDefaults()
	return &Runtime{
		store:     st,
		clock:     clock,
		logger:    logger.With().Str("component", "jobs").Logger(),
		opts:      opts,
		gate:      rate.NewLimiter(rate.Every(opts.Gap), 1),
		cron:      cron.New(cron.WithSeconds(), cron.WithLocation(time.Local)),
		wake:      make(chan struct{}, 1),
		handlers:  make(map[string]HandlerFunc),
		exhausted: make(map[string]ExhaustedFunc),
		schedules: make(map[string]*schedule),
		done:      make(chan struct{}),
	}
}

// Register installs the handler for a job kind. Must be called before Start.
func (r *Runtime) Register(kind string, h HandlerFunc) {
	r.handlers[kind] = h
}

// OnExhausted installs the final-failure callback for a job kind. Must be
// called before Start.
func (r *Runtime) OnExhausted(kind string, fn ExhaustedFunc) {
	r.exhausted[kind] = fn
}

// Start recovers jobs left active by a previous process, installs the queue
// self-cleanup schedule and launches the consumer.
func (r *Runtime) Start(ctx context.Context) error {
	released, err := r.store.ReleaseStaleJobs(ctx, r.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("release stale jobs: %w", err)
	}
	if released > 0 {
		r.logger.Info().Int64("count", released).Msg("Re-queued jobs interrupted by restart")
	}

	r.Register(KindCleanup, r.handleCleanup)
	if err := r.UpsertSchedule("queue-cleanup", ScheduleSpec{Every: time.Hour}, ScheduleLimits{}, KindCleanup, Payload{}); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.cron.Start()
	go r.consume(runCtx)

	r.logger.Info().
		Dur("gap", r.opts.Gap).
		Int("max_attempts", r.opts.MaxAttempts).
		Msg("Job runtime started")
	return nil
}

// Stop halts the schedules, lets the in-flight job finish and waits for the
// consumer to exit.
func (r *Runtime) Stop() {
	if r.cancel == nil {
		return
	}
	cronCtx := r.cron.Stop()
	<-cronCtx.Done()
	r.cancel()
	<-r.done
	r.logger.Info().Msg("Job runtime stopped")
}

// AddDelayed enqueues a one-shot job to run after delay. jobID deduplicates:
// enqueueing while a job with the same id is pending or active returns
// store.ErrDuplicateJob, while settled ids are re-armed.
func (r *Runtime) AddDelayed(ctx context.Context, kind string, p Payload, delay time.Duration, jobID string) error {
	if delay < 0 {
		delay = 0
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := r.clock.Now().UTC()
	rec := &store.JobRecord{
		ID:        jobID,
		Kind:      kind,
		Payload:   string(body),
		RunAt:     now.Add(delay),
		Status:    store.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.EnqueueJob(ctx, rec); err != nil {
		return err
	}
	metrics.JobsEnqueued.WithLabelValues(kind).Inc()
	r.logger.Debug().
		Str("job_id", jobID).
		Str("kind", kind).
		Dur("delay", delay).
		Msg("Job enqueued")

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel removes a pending job. It reports false when the job was already
// running, settled or never existed.
func (r *Runtime) Cancel(ctx context.Context, jobID string) (bool, error) {
	return r.store.CancelJob(ctx, jobID)
}

// Reschedule moves a pending job to a new delay.
func (r *Runtime) Reschedule(ctx context.Context, kind string, p Payload, delay time.Duration, jobID string) error {
	if _, err := r.Cancel(ctx, jobID); err != nil {
		return err
	}
	return r.AddDelayed(ctx, kind, p, delay, jobID)
}

// UpsertSchedule installs or replaces a recurring emitter. Each firing
// enqueues one job built from kind and payload.
func (r *Runtime) UpsertSchedule(id string, spec ScheduleSpec, limits ScheduleLimits, kind string, p Payload) error {
	expr := spec.Pattern
	if expr == "" {
		if spec.Every <= 0 {
			return types.Validationf("schedule %s: pattern or interval required", id)
		}
		expr = "@every " + spec.Every.String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.schedules[id]; ok {
		r.cron.Remove(old.entry)
		delete(r.schedules, id)
	}

	sched := &schedule{
		kind:           kind,
		payload:        p,
		lastDayOfMonth: spec.LastDayOfMonth,
		endDate:        limits.EndDate,
		limit:          limits.Limit,
	}
	entry, err := r.cron.AddFunc(expr, func() { r.fireSchedule(id) })
	if err != nil {
		return types.Validationf("schedule %s: bad expression %q: %v", id, expr, err)
	}
	sched.entry = entry
	r.schedules[id] = sched

	r.logger.Info().
		Str("schedule", id).
		Str("expression", expr).
		Str("kind", kind).
		Msg("Schedule installed")
	return nil
}

// RemoveSchedule uninstalls a recurring emitter. Unknown ids are a no-op.
func (r *Runtime) RemoveSchedule(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sched, ok := r.schedules[id]; ok {
		r.cron.Remove(sched.entry)
		delete(r.schedules, id)
		r.logger.Info().Str("schedule", id).Msg("Schedule removed")
	}
}

// fireSchedule runs on the cron goroutine for every tick of a schedule.
func (r *Runtime) fireSchedule(id string) {
	now := r.clock.Now()

	r.mu.Lock()
	sched, ok := r.schedules[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if sched.endDate != nil && now.After(*sched.endDate) {
		r.cron.Remove(sched.entry)
		delete(r.schedules, id)
		r.mu.Unlock()
		r.logger.Info().Str("schedule", id).Msg("Schedule expired")
		return
	}
	if sched.lastDayOfMonth && !isLastDayOfMonth(now) {
		r.mu.Unlock()
		return
	}
	if sched.limit != nil && sched.fired >= *sched.limit {
		r.cron.Remove(sched.entry)
		delete(r.schedules, id)
		r.mu.Unlock()
		r.logger.Info().Str("schedule", id).Msg("Schedule reached firing limit")
		return
	}
	sched.fired++
	kind, payload := sched.kind, sched.payload
	r.mu.Unlock()

	jobID := fmt.Sprintf("%s-%d", id, now.UnixNano())
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	if err := r.AddDelayed(ctx, kind, payload, 0, jobID); err != nil {
		r.logger.Error().Err(err).Str("schedule", id).Msg("Schedule firing failed to enqueue")
	}
}

func isLastDayOfMonth(t time.Time) bool {
	return t.AddDate(0, 0, 1).Day() == 1
}

// handleCleanup evicts settled job rows past their retention.
func (r *Runtime) handleCleanup(ctx context.Context, _ *Job) error {
	now := r.clock.Now().UTC()
	n, err := r.store.EvictSettledJobs(ctx, now.Add(-r.opts.CompletedTTL), now.Add(-r.opts.FailedTTL))
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Debug().Int64("count", n).Msg("Evicted settled jobs")
	}
	return nil
}

// PendingCount reports queue depth.
func (r *Runtime) PendingCount(ctx context.Context) (int, error) {
	return r.store.CountPendingJobs(ctx)
}

var errNoHandler = errors.New("no handler registered")
