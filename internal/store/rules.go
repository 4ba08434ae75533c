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

const ruleColumns = `id, contact_id, kind, content, media_url, media_kind,
	cron_expression, every_n_days, end_date, max_occurrences, occurrence_count,
	enabled, last_fired_at, created_at, updated_at`

// CreateRule inserts a new recurrence rule.
func (s *Store) CreateRule(ctx context.Context, r *types.RecurrenceRule) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO recurrence_rules (`+ruleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.ContactID, string(r.Kind), r.Content, r.MediaURL, string(r.MediaKind),
			r.CronExpression, r.EveryNDays, toNullMillis(r.EndDate), nullInt(r.MaxOccurrences),
			r.OccurrenceCount, r.Enabled, toNullMillis(r.LastFiredAt),
			toMillis(r.CreatedAt), toMillis(r.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert rule %s: %w", r.ID, err)
		}
		return nil
	})
}

// GetRule loads one rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (*types.RecurrenceRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM recurrence_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("recurrence rule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	return r, nil
}

// RuleFilter narrows ListRules.
type RuleFilter struct {
	ContactID   string
	Kind        types.RuleKind
	EnabledOnly bool
}

// ListRules returns rules newest first.
func (s *Store) ListRules(ctx context.Context, f RuleFilter) ([]*types.RecurrenceRule, error) {
	var (
		conds []string
		args  []any
	)
	if f.ContactID != "" {
		conds = append(conds, "contact_id = ?")
		args = append(args, f.ContactID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.EnabledOnly {
		conds = append(conds, "enabled = 1")
	}

	q := `SELECT ` + ruleColumns + ` FROM recurrence_rules`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*types.RecurrenceRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRule rewrites the mutable fields of a rule.
func (s *Store) UpdateRule(ctx context.Context, r *types.RecurrenceRule) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE recurrence_rules
			SET content = ?, media_url = ?, media_kind = ?, cron_expression = ?,
			    every_n_days = ?, end_date = ?, max_occurrences = ?, enabled = ?,
			    updated_at = ?
			WHERE id = ?`,
			r.Content, r.MediaURL, string(r.MediaKind), r.CronExpression,
			r.EveryNDays, toNullMillis(r.EndDate), nullInt(r.MaxOccurrences), r.Enabled,
			toMillis(r.UpdatedAt), r.ID,
		)
		if err != nil {
			return fmt.Errorf("update rule %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return types.NotFoundf("recurrence rule %s not found", r.ID)
		}
		return nil
	})
}

// SetRuleEnabled flips the soft-delete flag.
func (s *Store) SetRuleEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE recurrence_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
			enabled, toMillis(at), id)
		if err != nil {
			return fmt.Errorf("set rule %s enabled: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return types.NotFoundf("recurrence rule %s not found", id)
		}
		return nil
	})
}

// FindBirthdayRule returns the contact's birthday rule, or nil when none
// exists. At most one is ever created per contact.
func (s *Store) FindBirthdayRule(ctx context.Context, contactID string) (*types.RecurrenceRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM recurrence_rules
		WHERE contact_id = ? AND kind = 'birthday'
		ORDER BY created_at ASC LIMIT 1`, contactID)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find birthday rule for %s: %w", contactID, err)
	}
	return r, nil
}

// CreateIntentForRule atomically inserts the intent a firing produced and
// records the firing on the rule, auto-disabling it when the occurrence
// budget is exhausted. The two writes commit or roll back together.
func (s *Store) CreateIntentForRule(ctx context.Context, in *types.Intent, ruleID string, firedAt time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertIntent(ctx, tx, in); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE recurrence_rules
			SET occurrence_count = occurrence_count + 1,
			    last_fired_at = ?,
			    enabled = CASE
			        WHEN max_occurrences IS NOT NULL AND occurrence_count + 1 >= max_occurrences THEN 0
			        ELSE enabled
			    END,
			    updated_at = ?
			WHERE id = ?`,
			toMillis(firedAt), toMillis(firedAt), ruleID)
		if err != nil {
			return fmt.Errorf("record firing of rule %s: %w", ruleID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return types.NotFoundf("recurrence rule %s not found", ruleID)
		}
		return nil
	})
}

func scanRule(row rowScanner) (*types.RecurrenceRule, error) {
	var (
		r           types.RecurrenceRule
		kind        string
		mediaKind   string
		endDate     sql.NullInt64
		maxOcc      sql.NullInt64
		lastFiredAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&r.ID, &r.ContactID, &kind, &r.Content, &r.MediaURL, &mediaKind,
		&r.CronExpression, &r.EveryNDays, &endDate, &maxOcc, &r.OccurrenceCount,
		&r.Enabled, &lastFiredAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Kind = types.RuleKind(kind)
	r.MediaKind = types.MediaKind(mediaKind)
	r.EndDate = fromNullMillis(endDate)
	if maxOcc.Valid {
		v := int(maxOcc.Int64)
		r.MaxOccurrences = &v
	}
	r.LastFiredAt = fromNullMillis(lastFiredAt)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}
