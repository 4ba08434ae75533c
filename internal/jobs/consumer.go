package jobs

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/quietsend/quietsend/internal/metrics"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
)

// consume is the single-worker loop. Concurrency stays at one and the gate
// keeps job starts at least opts.Gap apart, which is what paces outgoing
// sends.
func (r *Runtime) consume(ctx context.Context) {
	defer close(r.done)
	r.logger.Debug().Msg("Job consumer started")

	for {
		if err := r.gate.Wait(ctx); err != nil {
			return
		}
		rec, ok, err := r.store.ClaimDueJob(ctx, r.clock.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error().Err(err).Msg("Job claim failed")
			r.idle(ctx)
			continue
		}
		if !ok {
			r.updateDepth(ctx)
			r.idle(ctx)
			continue
		}

		// Shutdown lets the in-flight job finish rather than aborting it
		// mid-send; the loop exits on the next gate wait.
		r.execute(context.WithoutCancel(ctx), rec)
		r.updateDepth(ctx)
	}
}

func (r *Runtime) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-r.wake:
	case <-r.clock.After(r.opts.Poll):
	}
}

func (r *Runtime) updateDepth(ctx context.Context) {
	if n, err := r.store.CountPendingJobs(ctx); err == nil {
		metrics.JobQueueDepth.Set(float64(n))
	}
}

func (r *Runtime) execute(ctx context.Context, rec *store.JobRecord) {
	job := &Job{ID: rec.ID, Kind: rec.Kind, Attempt: rec.Attempts}
	if rec.Payload != "" {
		if err := json.Unmarshal([]byte(rec.Payload), &job.Payload); err != nil {
			r.settleFailed(ctx, job, types.Integrityf("job %s: corrupt payload: %v", rec.ID, err))
			return
		}
	}
	h, ok := r.handlers[rec.Kind]
	if !ok {
		r.settleFailed(ctx, job, types.Internalf("%v: %s", errNoHandler, rec.Kind))
		return
	}

	start := r.clock.Now()
	err := r.runHandler(ctx, h, job)
	if err == nil {
		if cerr := r.store.CompleteJob(ctx, rec.ID, r.clock.Now().UTC()); cerr != nil {
			r.logger.Error().Err(cerr).Str("job_id", rec.ID).Msg("Complete mark failed")
		}
		metrics.JobsCompleted.WithLabelValues(rec.Kind, "ok").Inc()
		r.logger.Debug().
			Str("job_id", rec.ID).
			Str("kind", rec.Kind).
			Dur("took", r.clock.Since(start)).
			Msg("Job completed")
		return
	}

	if types.IsRetryable(err) && job.Attempt < r.opts.MaxAttempts {
		delay := r.opts.RetryBase << (job.Attempt - 1)
		now := r.clock.Now().UTC()
		if rerr := r.store.RetryJobAt(ctx, rec.ID, now.Add(delay), err.Error(), now); rerr != nil {
			r.logger.Error().Err(rerr).Str("job_id", rec.ID).Msg("Retry mark failed")
			return
		}
		metrics.JobsCompleted.WithLabelValues(rec.Kind, "retried").Inc()
		r.logger.Warn().
			Err(err).
			Str("job_id", rec.ID).
			Int("attempt", job.Attempt).
			Dur("retry_in", delay).
			Msg("Job failed, retry scheduled")
		return
	}

	r.settleFailed(ctx, job, err)
}

func (r *Runtime) settleFailed(ctx context.Context, job *Job, err error) {
	if ferr := r.store.FailJob(ctx, job.ID, err.Error(), r.clock.Now().UTC()); ferr != nil {
		r.logger.Error().Err(ferr).Str("job_id", job.ID).Msg("Fail mark failed")
	}
	metrics.JobsCompleted.WithLabelValues(job.Kind, "failed").Inc()
	r.logger.Error().
		Err(err).
		Str("job_id", job.ID).
		Str("kind", job.Kind).
		Int("attempts", job.Attempt).
		Msg("Job failed permanently")

	if fn := r.exhausted[job.Kind]; fn != nil {
		fn(ctx, job, err)
	}
}

func (r *Runtime) runHandler(ctx context.Context, h HandlerFunc, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = types.Transientf("handler panic: %v", rec)
			r.logger.Error().
				Interface("panic_value", rec).
				Str("stack_trace", string(debug.Stack())).
				Str("job_id", job.ID).
				Msg("Job handler panic recovered")
		}
	}()
	return h(ctx, job)
}
