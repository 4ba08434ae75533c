package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quietsend/quietsend/internal/types"
)

const intentColumns = `id, contact_id, group_id, content, media_url, media_kind,
	scheduled_at, status, provider_message_id, sent_at, delivered_at, failed_at,
	failure_reason, attempts, recurrence_rule_id, created_at, updated_at`

// CreateIntent inserts a new intent row. The caller sets all fields
// including timestamps.
func (s *Store) CreateIntent(ctx context.Context, in *types.Intent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertIntent(ctx, tx, in)
	})
}

func insertIntent(ctx context.Context, tx *sql.Tx, in *types.Intent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO intents (`+intentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, nullString(in.ContactID), in.GroupID, in.Content, in.MediaURL, string(in.MediaKind),
		toMillis(in.ScheduledAt), string(in.Status), in.ProviderMessageID,
		toNullMillis(in.SentAt), toNullMillis(in.DeliveredAt), toNullMillis(in.FailedAt),
		in.FailureReason, in.Attempts, nullString(in.RecurrenceRuleID),
		toMillis(in.CreatedAt), toMillis(in.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert intent %s: %w", in.ID, err)
	}
	return nil
}

// GetIntent loads one intent by id.
func (s *Store) GetIntent(ctx context.Context, id string) (*types.Intent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("intent %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get intent %s: %w", id, err)
	}
	return in, nil
}

// GetIntentByProviderMessageID resolves a delivery ack back to its intent.
// Returns nil without error when no intent carries the id.
func (s *Store) GetIntentByProviderMessageID(ctx context.Context, pmID string) (*types.Intent, error) {
	if pmID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE provider_message_id = ? LIMIT 1`, pmID)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get intent by provider id %s: %w", pmID, err)
	}
	return in, nil
}

// IntentFilter narrows ListIntents. Zero values mean "no constraint".
type IntentFilter struct {
	Status           types.IntentStatus
	ContactID        string
	ExcludeContactID string
	Limit            int
	Offset           int
}

// ListIntents returns intents newest-scheduled first.
func (s *Store) ListIntents(ctx context.Context, f IntentFilter) ([]*types.Intent, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ContactID != "" {
		conds = append(conds, "contact_id = ?")
		args = append(args, f.ContactID)
	}
	if f.ExcludeContactID != "" {
		conds = append(conds, "(contact_id IS NULL OR contact_id != ?)")
		args = append(args, f.ExcludeContactID)
	}

	q := `SELECT ` + intentColumns + ` FROM intents`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY scheduled_at DESC, created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()

	var out []*types.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// UpdatePendingIntent applies an edit to a still-pending intent. Returns
// false when the row is no longer pending (or gone), in which case nothing
// was written.
func (s *Store) UpdatePendingIntent(ctx context.Context, in *types.Intent) (bool, error) {
	var updated bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE intents
			SET content = ?, media_url = ?, media_kind = ?, scheduled_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'`,
			in.Content, in.MediaURL, string(in.MediaKind),
			toMillis(in.ScheduledAt), toMillis(in.UpdatedAt), in.ID,
		)
		if err != nil {
			return fmt.Errorf("update intent %s: %w", in.ID, err)
		}
		n, err := res.RowsAffected()
		updated = n > 0
		return err
	})
	return updated, err
}

// MarkSent commits a successful dispatch: pending -> sent with the provider
// message id. The status guard makes a racing Cancel win cleanly; the loser
// observes zero rows.
func (s *Store) MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) (bool, error) {
	return s.conditionalUpdate(ctx, `
		UPDATE intents
		SET status = 'sent', provider_message_id = ?, sent_at = ?,
		    attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		providerMessageID, toMillis(at), toMillis(at), id)
}

// MarkFailed settles a pending intent as failed with a reason.
func (s *Store) MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	return s.conditionalUpdate(ctx, `
		UPDATE intents
		SET status = 'failed', failure_reason = ?, failed_at = ?,
		    attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		reason, toMillis(at), toMillis(at), id)
}

// MarkDelivered promotes sent -> delivered. A second ack is a no-op because
// the status guard no longer matches.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.conditionalUpdate(ctx, `
		UPDATE intents
		SET status = 'delivered', delivered_at = ?, updated_at = ?
		WHERE id = ? AND status = 'sent'`,
		toMillis(at), toMillis(at), id)
}

// MarkCancelled settles pending -> cancelled.
func (s *Store) MarkCancelled(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.conditionalUpdate(ctx, `
		UPDATE intents
		SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		toMillis(at), id)
}

// MarkRetried re-arms a failed intent: attempts reset, failure fields
// cleared, scheduled immediately.
func (s *Store) MarkRetried(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.conditionalUpdate(ctx, `
		UPDATE intents
		SET status = 'pending', attempts = 0, failed_at = NULL,
		    failure_reason = '', scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'failed'`,
		toMillis(now), toMillis(now), id)
}

func (s *Store) conditionalUpdate(ctx context.Context, q string, args ...any) (bool, error) {
	var updated bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("conditional update: %w", err)
		}
		n, err := res.RowsAffected()
		updated = n > 0
		return err
	})
	return updated, err
}

// CountTerminalSuccessIn counts sends that landed inside [start, end).
// The rate limiter calls this on every decision instead of keeping a
// counter in memory.
func (s *Store) CountTerminalSuccessIn(ctx context.Context, start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM intents
		WHERE status IN ('sent', 'delivered')
		  AND sent_at >= ? AND sent_at < ?`,
		toMillis(start), toMillis(end)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count window sends: %w", err)
	}
	return n, nil
}

// DeleteTerminalOlderThan removes settled intents older than the cutoff.
// Failed intents that never reached the provider have no sent_at, so the
// failure time stands in for them.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses []types.IntentStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?, ", len(statuses)-1) + "?"
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, toMillis(cutoff))

	var deleted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM intents
			WHERE status IN (`+placeholders+`)
			  AND COALESCE(sent_at, failed_at) < ?`, args...)
		if err != nil {
			return fmt.Errorf("delete terminal intents: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*types.Intent, error) {
	var (
		in          types.Intent
		contactID   sql.NullString
		mediaKind   string
		status      string
		scheduledAt int64
		sentAt      sql.NullInt64
		deliveredAt sql.NullInt64
		failedAt    sql.NullInt64
		ruleID      sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&in.ID, &contactID, &in.GroupID, &in.Content, &in.MediaURL, &mediaKind,
		&scheduledAt, &status, &in.ProviderMessageID, &sentAt, &deliveredAt, &failedAt,
		&in.FailureReason, &in.Attempts, &ruleID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	in.ContactID = contactID.String
	in.MediaKind = types.MediaKind(mediaKind)
	in.Status = types.IntentStatus(status)
	in.ScheduledAt = fromMillis(scheduledAt)
	in.SentAt = fromNullMillis(sentAt)
	in.DeliveredAt = fromNullMillis(deliveredAt)
	in.FailedAt = fromNullMillis(failedAt)
	in.RecurrenceRuleID = ruleID.String
	in.CreatedAt = fromMillis(createdAt)
	in.UpdatedAt = fromMillis(updatedAt)
	return &in, nil
}
