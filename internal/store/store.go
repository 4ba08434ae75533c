// Package store is the durable state layer: intents, recurrence rules,
// contacts, the credential vault table, and the job queue all live in one
// SQLite database. Writers serialize through a single transaction mutex;
// readers go straight to the pool and may run concurrently under WAL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Store wraps the SQLite handle shared by every component.
type Store struct {
	db      *sql.DB
	logger  zerolog.Logger
	writeMu chan struct{}
}

// Open opens (creating if needed) the database at path and applies the
// schema. The DSN enables WAL for reader concurrency, a busy timeout for
// the rare lock collision, and foreign keys for the cascade semantics.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:      db,
		logger:  logger.With().Str("component", "store").Logger(),
		writeMu: make(chan struct{}, 1),
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("State store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs fn inside a write transaction. Writers serialize on the store's
// write slot so multi-row mutations never interleave; a partial write is
// rolled back and never observable.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	select {
	case s.writeMu <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writeMu }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("Transaction rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// migrate applies the schema. Statements are idempotent; the tables are
// created in dependency order so foreign keys resolve.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			id                TEXT PRIMARY KEY,
			phone             TEXT NOT NULL UNIQUE,
			name              TEXT NOT NULL DEFAULT '',
			birthday          TEXT NOT NULL DEFAULT '',
			birthday_reminder INTEGER NOT NULL DEFAULT 1,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS recurrence_rules (
			id               TEXT PRIMARY KEY,
			contact_id       TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			kind             TEXT NOT NULL,
			content          TEXT NOT NULL DEFAULT '',
			media_url        TEXT NOT NULL DEFAULT '',
			media_kind       TEXT NOT NULL DEFAULT '',
			cron_expression  TEXT NOT NULL DEFAULT '',
			every_n_days     INTEGER NOT NULL DEFAULT 0,
			end_date         INTEGER,
			max_occurrences  INTEGER,
			occurrence_count INTEGER NOT NULL DEFAULT 0,
			enabled          INTEGER NOT NULL DEFAULT 1,
			last_fired_at    INTEGER,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_contact_id ON recurrence_rules(contact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_kind ON recurrence_rules(kind)`,
		`CREATE TABLE IF NOT EXISTS intents (
			id                  TEXT PRIMARY KEY,
			contact_id          TEXT REFERENCES contacts(id) ON DELETE CASCADE,
			group_id            TEXT NOT NULL DEFAULT '',
			content             TEXT NOT NULL DEFAULT '',
			media_url           TEXT NOT NULL DEFAULT '',
			media_kind          TEXT NOT NULL DEFAULT '',
			scheduled_at        INTEGER NOT NULL,
			status              TEXT NOT NULL DEFAULT 'pending',
			provider_message_id TEXT NOT NULL DEFAULT '',
			sent_at             INTEGER,
			delivered_at        INTEGER,
			failed_at           INTEGER,
			failure_reason      TEXT NOT NULL DEFAULT '',
			attempts            INTEGER NOT NULL DEFAULT 0,
			recurrence_rule_id  TEXT REFERENCES recurrence_rules(id) ON DELETE SET NULL,
			created_at          INTEGER NOT NULL,
			updated_at          INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_scheduled_at ON intents(scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_provider_message_id ON intents(provider_message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_contact_id ON intents(contact_id)`,
		`CREATE TABLE IF NOT EXISTS credential_vault (
			key        TEXT PRIMARY KEY,
			ciphertext TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			run_at     INTEGER NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending',
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_run_at ON jobs(status, run_at)`,
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
}

// Stats returns row counts for the health endpoint. Reads run concurrently.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	tables := []string{"intents", "recurrence_rules", "contacts", "jobs"}
	counts := make([]int, len(tables))

	g, gctx := errgroup.WithContext(ctx)
	for i, table := range tables {
		g.Go(func() error {
			q := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
			return s.db.QueryRowContext(gctx, q).Scan(&counts[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}

	out := make(map[string]int, len(tables))
	for i, table := range tables {
		out[table] = counts[i]
	}
	return out, nil
}

// Timestamps are stored as UTC unix milliseconds so range scans compare
// numerically regardless of the process timezone.

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func toNullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
