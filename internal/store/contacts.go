package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quietsend/quietsend/internal/types"
)

const contactColumns = `id, phone, name, birthday, birthday_reminder, created_at, updated_at`

// CreateContact inserts a contact. The phone column is unique; a duplicate
// surfaces as a conflict.
func (s *Store) CreateContact(ctx context.Context, c *types.Contact) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (`+contactColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Phone, c.Name, c.Birthday, c.BirthdayReminder,
			toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert contact %s: %w", c.ID, err)
		}
		return nil
	})
}

// GetContact loads one contact by id.
func (s *Store) GetContact(ctx context.Context, id string) (*types.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("contact %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", id, err)
	}
	return c, nil
}

// GetContactByPhone resolves a normalized phone number. Returns nil without
// error when unknown so the caller can auto-create.
func (s *Store) GetContactByPhone(ctx context.Context, phone string) (*types.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE phone = ?`, phone)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact by phone: %w", err)
	}
	return c, nil
}

// SetContactName fills in a display name.
func (s *Store) SetContactName(ctx context.Context, id, name string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE contacts SET name = ?, updated_at = ? WHERE id = ?`,
			name, toMillis(at), id)
		if err != nil {
			return fmt.Errorf("set contact %s name: %w", id, err)
		}
		return nil
	})
}

// SetContactBirthday updates the birthday fields the reminder sync watches.
// An empty birthday clears it.
func (s *Store) SetContactBirthday(ctx context.Context, id, birthday string, reminder bool, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE contacts SET birthday = ?, birthday_reminder = ?, updated_at = ? WHERE id = ?`,
			birthday, reminder, toMillis(at), id)
		if err != nil {
			return fmt.Errorf("set contact %s birthday: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return types.NotFoundf("contact %s not found", id)
		}
		return nil
	})
}

// DeleteContact removes a contact. Foreign keys cascade to its intents and
// rules; historical intents emitted by a deleted rule keep a nulled
// back-reference.
func (s *Store) DeleteContact(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete contact %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return types.NotFoundf("contact %s not found", id)
		}
		return nil
	})
}

func scanContact(row rowScanner) (*types.Contact, error) {
	var (
		c         types.Contact
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&c.ID, &c.Phone, &c.Name, &c.Birthday, &c.BirthdayReminder,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}
