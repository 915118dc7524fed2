package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/hickar/mailrelay/internal/app/mailer"
)

// SQLiteBackend keeps run state in a local SQLite database.
type SQLiteBackend struct {
	db *sqlx.DB
}

type runStateRow struct {
	Date               string `db:"date"`
	RunsCompletedToday int    `db:"runs_completed_today"`
	EmailsSentToday    int    `db:"emails_sent_today"`
}

// NewSQLiteBackend opens (or creates) a SQLite database at dbPath
// and runs any pending schema migrations.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteBackend{db: db}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteBackend) Read(ctx context.Context) (mailer.RunState, error) {
	var row runStateRow

	err := s.db.GetContext(ctx, &row, `
		SELECT date, runs_completed_today, emails_sent_today
		FROM run_state
		WHERE key = ?`, runStateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return mailer.RunState{}, ErrNoState
	}
	if err != nil {
		return mailer.RunState{}, fmt.Errorf("selecting run state: %w", err)
	}

	return mailer.RunState{
		Date:               row.Date,
		RunsCompletedToday: row.RunsCompletedToday,
		EmailsSentToday:    row.EmailsSentToday,
	}, nil
}

func (s *SQLiteBackend) Write(ctx context.Context, state mailer.RunState) error {
	const query = `
		INSERT INTO run_state (key, date, runs_completed_today, emails_sent_today, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			date = excluded.date,
			runs_completed_today = excluded.runs_completed_today,
			emails_sent_today = excluded.emails_sent_today,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		runStateKey, state.Date, state.RunsCompletedToday, state.EmailsSentToday,
	)
	if err != nil {
		return fmt.Errorf("upserting run state: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteBackend) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}
