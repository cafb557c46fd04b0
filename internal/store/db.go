package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Querier is the query surface shared by *sql.DB and *sql.Tx, letting
// repositories run either standalone or inside the decision transaction.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db}, db.PingContext(context.Background())
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// Migrate creates the schema if it does not exist. The unique index on
// attendance_records is the concurrency arbiter for duplicate check-ins.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			unit_id TEXT NOT NULL,
			lecturer_id TEXT NOT NULL,
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ NOT NULL,
			lat DOUBLE PRECISION,
			lon DOUBLE PRECISION,
			radius_m DOUBLE PRECISION,
			location_required BOOLEAN NOT NULL DEFAULT FALSE,
			token TEXT NOT NULL,
			token_issued_at TIMESTAMPTZ NOT NULL,
			backup_key TEXT NOT NULL,
			year INT NOT NULL,
			semester INT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (end_at > start_at)
		)`,
		`CREATE TABLE IF NOT EXISTS enrollments (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL,
			unit_id TEXT NOT NULL,
			year INT NOT NULL,
			semester INT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS enrollment_projection (
			student_id TEXT NOT NULL,
			unit_id TEXT NOT NULL,
			year INT NOT NULL,
			semester INT NOT NULL,
			refreshed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (student_id, unit_id, year, semester)
		)`,
		`CREATE TABLE IF NOT EXISTS attendance_records (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			distance_m DOUBLE PRECISION,
			verification_notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS attendance_records_student_session
			ON attendance_records (student_id, session_id)`,
		`CREATE TABLE IF NOT EXISTS attendance_rejections (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			distance_m DOUBLE PRECISION,
			verification_notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
