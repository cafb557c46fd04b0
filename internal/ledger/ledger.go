package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Briankiboi/attendance-engine/internal/store"
)

const uniqueViolation = "23505"

// Record is one verified (or audited rejected) attendance outcome. Verified
// rows are immutable once written.
type Record struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	DistanceM *float64  `json:"distance_m,omitempty"`
	Notes     string    `json:"verification_notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger is the append-only store of attendance outcomes. The unique index on
// (student_id, session_id) is the final arbiter for concurrent attempts.
type Ledger struct {
	db *sql.DB
}

// New creates a ledger over the given database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Existing returns the verified record for (student, session), or nil.
func (l *Ledger) Existing(ctx context.Context, q store.Querier, studentID, sessionID string) (*Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, student_id, session_id, status, distance_m, verification_notes, created_at
		FROM attendance_records
		WHERE student_id = $1 AND session_id = $2
	`, studentID, sessionID)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.Status, &rec.DistanceM, &rec.Notes, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// InsertVerified writes a SUCCESS record with a conditional insert. Returns
// (winner, true) when this call persisted the row, or (existing, false) when
// a concurrent attempt won the race. Read-then-write is not enough here: two
// attempts can both pass the duplicate check before either commits, so the
// insert itself must be the arbiter and a constraint collision maps back to
// the surviving row instead of propagating.
func (l *Ledger) InsertVerified(ctx context.Context, q store.Querier, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := q.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, student_id, session_id, status, distance_m, verification_notes)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (student_id, session_id) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.SessionID, rec.Status, rec.DistanceM, rec.Notes)
	err := row.Scan(&rec.CreatedAt)
	if err == nil {
		return rec, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		existing, lookupErr := l.Existing(ctx, q, rec.StudentID, rec.SessionID)
		if lookupErr != nil {
			return Record{}, false, lookupErr
		}
		if existing == nil {
			return Record{}, false, err
		}
		return *existing, false, nil
	}
	return Record{}, false, err
}

// InsertRejected appends an audit row for a rejected attempt. No uniqueness:
// a student may be rejected many times.
func (l *Ledger) InsertRejected(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO attendance_rejections (id, student_id, session_id, status, distance_m, verification_notes)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.ID, rec.StudentID, rec.SessionID, rec.Status, rec.DistanceM, rec.Notes)
	return err
}

// ListBySession returns verified records for one session, newest first.
func (l *Ledger) ListBySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, student_id, session_id, status, distance_m, verification_notes, created_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.Status, &rec.DistanceM, &rec.Notes, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
