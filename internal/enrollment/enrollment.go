package enrollment

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/Briankiboi/attendance-engine/internal/store"
)

// EnrollmentStatus of a primary record.
const (
	RecordPending   = "pending"
	RecordActive    = "active"
	RecordWithdrawn = "withdrawn"
)

// Status is the authoritative answer for one (student, unit, period) tuple.
type Status int

const (
	StatusNotEnrolled Status = iota
	StatusActive
	// StatusAmbiguous means multiple conflicting active memberships exist for
	// the same tuple. A data-integrity condition: surfaced, never resolved by
	// picking one.
	StatusAmbiguous
)

// Record is one membership row in the primary table.
type Record struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	UnitID    string    `json:"unit_id"`
	Year      int       `json:"year"`
	Semester  int       `json:"semester"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Index resolves membership against the primary table. The read-optimized
// projection exists for listings and reporting only; go/no-go decisions never
// consult it.
type Index struct {
	db *sql.DB
}

// NewIndex creates an index over the given database.
func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

func classify(activeRows int) Status {
	switch {
	case activeRows == 0:
		return StatusNotEnrolled
	case activeRows == 1:
		return StatusActive
	default:
		return StatusAmbiguous
	}
}

// Lookup answers whether the student may be marked present for the unit in
// the exact academic period. Period must match unit+year+semester, not merely
// the unit.
func (i *Index) Lookup(ctx context.Context, q store.Querier, studentID, unitID string, year, semester int) (Status, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments
		WHERE student_id = $1 AND unit_id = $2 AND year = $3 AND semester = $4
		  AND status = $5
	`, studentID, unitID, year, semester, RecordActive).Scan(&n)
	if err != nil {
		return StatusNotEnrolled, err
	}
	return classify(n), nil
}

// Upsert writes a primary record and reconciles the projection synchronously
// in the same transaction, so the recompute is visible control flow rather
// than a background trigger.
func (i *Index) Upsert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = RecordPending
	}
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO enrollments (id, student_id, unit_id, year, semester, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
		RETURNING created_at, updated_at
	`, rec.ID, rec.StudentID, rec.UnitID, rec.Year, rec.Semester, rec.Status)
	if err := row.Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	if err := Reconcile(ctx, tx, rec.UnitID, rec.Year, rec.Semester); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Reconcile brings the projection in line with the primary table for one
// (unit, year, semester). Inserts rows present in the primary but missing
// from the projection; retires projection rows only when no corresponding
// primary record is still active. Idempotent.
func Reconcile(ctx context.Context, q store.Querier, unitID string, year, semester int) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO enrollment_projection (student_id, unit_id, year, semester)
		SELECT DISTINCT student_id, unit_id, year, semester
		FROM enrollments
		WHERE unit_id = $1 AND year = $2 AND semester = $3 AND status = $4
		ON CONFLICT (student_id, unit_id, year, semester) DO NOTHING
	`, unitID, year, semester, RecordActive); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
		DELETE FROM enrollment_projection p
		WHERE p.unit_id = $1 AND p.year = $2 AND p.semester = $3
		  AND NOT EXISTS (
			SELECT 1 FROM enrollments e
			WHERE e.student_id = p.student_id AND e.unit_id = p.unit_id
			  AND e.year = p.year AND e.semester = p.semester
			  AND e.status = $4
		  )
	`, unitID, year, semester, RecordActive)
	return err
}

// ReconcileAll sweeps every (unit, year, semester) present in the primary
// table. Used by the worker as a safety net behind the per-mutation triggers.
func (i *Index) ReconcileAll(ctx context.Context) (int, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT DISTINCT unit_id, year, semester FROM enrollments
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type tuple struct {
		unit           string
		year, semester int
	}
	var tuples []tuple
	for rows.Next() {
		var t tuple
		if err := rows.Scan(&t.unit, &t.year, &t.semester); err != nil {
			return 0, err
		}
		tuples = append(tuples, t)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for n, t := range tuples {
		if err := Reconcile(ctx, i.db, t.unit, t.year, t.semester); err != nil {
			return n, err
		}
	}
	return len(tuples), nil
}

// ListProjected returns projection rows for reporting. Never used for
// admission decisions.
func (i *Index) ListProjected(ctx context.Context, unitID string, year, semester int) ([]Record, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT student_id, unit_id, year, semester, refreshed_at
		FROM enrollment_projection
		WHERE unit_id = $1 AND year = $2 AND semester = $3
		ORDER BY student_id
	`, unitID, year, semester)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.StudentID, &rec.UnitID, &rec.Year, &rec.Semester, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Status = RecordActive
		out = append(out, rec)
	}
	return out, rows.Err()
}
