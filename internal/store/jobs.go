package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Job queue statuses. A job is claimed by flipping pending -> active, so a
// crash mid-run leaves an active row behind; ReleaseStaleJobs returns those
// to pending at boot.
const (
	JobPending   = "pending"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// ErrDuplicateJob signals that a pending or active job already carries the
// requested id. Enqueues dedupe on it; terminal rows are replaced instead.
var ErrDuplicateJob = errors.New("job with this id is already queued")

// JobRecord is one persisted queue entry. Payload is the JSON-encoded typed
// payload owned by the jobs package.
type JobRecord struct {
	ID        string
	Kind      string
	Payload   string
	RunAt     time.Time
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const jobColumns = `id, kind, payload, run_at, status, attempts, last_error, created_at, updated_at`

// EnqueueJob inserts a job, deduplicating against live rows with the same
// id. A terminal row under the same id (a finished earlier run) is replaced
// so client-chosen ids like intent-<id> can be re-armed by Retry.
func (s *Store) EnqueueJob(ctx context.Context, rec *JobRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM jobs WHERE id = ?`, rec.ID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("check job %s: %w", rec.ID, err)
		case status == JobPending || status == JobActive:
			return ErrDuplicateJob
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Kind, rec.Payload, toMillis(rec.RunAt), JobPending,
			rec.Attempts, rec.LastError, toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("enqueue job %s: %w", rec.ID, err)
		}
		return nil
	})
}

// ClaimDueJob atomically picks the earliest runnable job and marks it
// active, bumping its attempt counter. ok is false when nothing is due.
// FIFO by run time keeps dispatch ordered by firing time.
func (s *Store) ClaimDueJob(ctx context.Context, now time.Time) (*JobRecord, bool, error) {
	var rec *JobRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE status = 'pending' AND run_at <= ?
			ORDER BY run_at ASC, created_at ASC
			LIMIT 1`, toMillis(now))

		r, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select due job: %w", err)
		}

		r.Status = JobActive
		r.Attempts++
		r.UpdatedAt = now.UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'active', attempts = attempts + 1, updated_at = ?
			WHERE id = ?`, toMillis(now), r.ID); err != nil {
			return fmt.Errorf("claim job %s: %w", r.ID, err)
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

// CompleteJob settles an active job as done.
func (s *Store) CompleteJob(ctx context.Context, id string, at time.Time) error {
	return s.setJobStatus(ctx, id, JobCompleted, "", at)
}

// FailJob settles an active job as permanently failed.
func (s *Store) FailJob(ctx context.Context, id, lastError string, at time.Time) error {
	return s.setJobStatus(ctx, id, JobFailed, lastError, at)
}

// RetryJobAt returns an active job to pending with a new run time after a
// transient failure.
func (s *Store) RetryJobAt(ctx context.Context, id string, runAt time.Time, lastError string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', run_at = ?, last_error = ?, updated_at = ?
			WHERE id = ?`, toMillis(runAt), lastError, toMillis(at), id)
		if err != nil {
			return fmt.Errorf("retry job %s: %w", id, err)
		}
		return nil
	})
}

// CancelJob removes a pending job. Running or settled jobs are left alone;
// an in-flight dispatch will observe the intent's terminal status and no-op.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM jobs WHERE id = ? AND status = 'pending'`, id)
		if err != nil {
			return fmt.Errorf("cancel job %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

// ReleaseStaleJobs returns active rows to pending. Called once at boot to
// recover jobs that were mid-run when the previous process died.
func (s *Store) ReleaseStaleJobs(ctx context.Context, at time.Time) (int64, error) {
	var released int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', updated_at = ?
			WHERE status = 'active'`, toMillis(at))
		if err != nil {
			return fmt.Errorf("release stale jobs: %w", err)
		}
		released, err = res.RowsAffected()
		return err
	})
	return released, err
}

// EvictSettledJobs deletes completed rows older than completedBefore and
// failed rows older than failedBefore.
func (s *Store) EvictSettledJobs(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	var evicted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE (status = 'completed' AND updated_at < ?)
			   OR (status = 'failed' AND updated_at < ?)`,
			toMillis(completedBefore), toMillis(failedBefore))
		if err != nil {
			return fmt.Errorf("evict settled jobs: %w", err)
		}
		evicted, err = res.RowsAffected()
		return err
	})
	return evicted, err
}

// CountPendingJobs reports queue depth for metrics and health.
func (s *Store) CountPendingJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// GetJob loads one job row, mainly for tests and diagnostics.
func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) setJobStatus(ctx context.Context, id, status, lastError string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
			WHERE id = ?`, status, lastError, toMillis(at), id)
		if err != nil {
			return fmt.Errorf("set job %s status: %w", id, err)
		}
		return nil
	})
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var (
		rec       JobRecord
		runAt     int64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&rec.ID, &rec.Kind, &rec.Payload, &runAt, &rec.Status,
		&rec.Attempts, &rec.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.RunAt = fromMillis(runAt)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}
