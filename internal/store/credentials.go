package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credential keys are "creds" for the primary blob plus "<category>-<id>"
// rows for per-peer material the provider hands back during a session.

// PutCredential upserts one ciphertext row.
func (s *Store) PutCredential(ctx context.Context, key, ciphertext string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO credential_vault (key, ciphertext, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET ciphertext = excluded.ciphertext,
			                               updated_at = excluded.updated_at`,
			key, ciphertext, toMillis(at))
		if err != nil {
			return fmt.Errorf("put credential %s: %w", key, err)
		}
		return nil
	})
}

// GetCredential returns the ciphertext for key, with ok=false when absent.
func (s *Store) GetCredential(ctx context.Context, key string) (string, bool, error) {
	var ct string
	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext FROM credential_vault WHERE key = ?`, key).Scan(&ct)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get credential %s: %w", key, err)
	}
	return ct, true, nil
}

// DeleteCredential removes one row. Missing rows are not an error.
func (s *Store) DeleteCredential(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM credential_vault WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete credential %s: %w", key, err)
		}
		return nil
	})
}

// DeleteAllCredentials wipes the vault table. The connection manager calls
// this when the provider logs the account out and a fresh pairing is the
// only way back.
func (s *Store) DeleteAllCredentials(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM credential_vault`); err != nil {
			return fmt.Errorf("delete all credentials: %w", err)
		}
		return nil
	})
}

// CredentialKeys lists stored keys, mostly for diagnostics.
func (s *Store) CredentialKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM credential_vault ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list credential keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
