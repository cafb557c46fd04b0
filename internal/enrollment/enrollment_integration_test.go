package enrollment

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/Briankiboi/attendance-engine/internal/store"
)

// Postgres-backed coverage for the projection reconciliation. Runs only when
// TEST_DATABASE_URL points at a reachable database; each test uses a unique
// unit id so runs are isolated and repeatable.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := store.NewDB(dsn)
	if err != nil {
		t.Skipf("database unreachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db.Client
}

func cleanupUnit(t *testing.T, db *sql.DB, unitID string) {
	t.Helper()
	t.Cleanup(func() {
		ctx := context.Background()
		db.ExecContext(ctx, `DELETE FROM enrollment_projection WHERE unit_id = $1`, unitID)
		db.ExecContext(ctx, `DELETE FROM enrollments WHERE unit_id = $1`, unitID)
	})
}

func projectedStudents(t *testing.T, idx *Index, unitID string, year, semester int) []string {
	t.Helper()
	recs, err := idx.ListProjected(context.Background(), unitID, year, semester)
	if err != nil {
		t.Fatalf("ListProjected: %v", err)
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.StudentID)
	}
	return out
}

func TestReconcileInsertsActiveOnly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	unit := "unit-" + uuid.NewString()
	cleanupUnit(t, db, unit)
	idx := NewIndex(db)

	seed := []Record{
		{StudentID: "stu-a", UnitID: unit, Year: 2026, Semester: 1, Status: RecordActive},
		{StudentID: "stu-b", UnitID: unit, Year: 2026, Semester: 1, Status: RecordPending},
		{StudentID: "stu-c", UnitID: unit, Year: 2026, Semester: 1, Status: RecordWithdrawn},
	}
	for _, rec := range seed {
		if _, err := idx.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert %s: %v", rec.StudentID, err)
		}
	}

	got := projectedStudents(t, idx, unit, 2026, 1)
	if len(got) != 1 || got[0] != "stu-a" {
		t.Fatalf("projection = %v, want only the active student", got)
	}

	// Running again must not duplicate or drop anything.
	if err := Reconcile(ctx, db, unit, 2026, 1); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if got := projectedStudents(t, idx, unit, 2026, 1); len(got) != 1 || got[0] != "stu-a" {
		t.Fatalf("projection after rerun = %v, want unchanged", got)
	}
}

func TestReconcileRetiresWithdrawn(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	unit := "unit-" + uuid.NewString()
	cleanupUnit(t, db, unit)
	idx := NewIndex(db)

	rec, err := idx.Upsert(ctx, Record{
		StudentID: "stu-w", UnitID: unit, Year: 2026, Semester: 2, Status: RecordActive,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got := projectedStudents(t, idx, unit, 2026, 2); len(got) != 1 {
		t.Fatalf("projection = %v, want the active student", got)
	}

	// Upsert reconciles synchronously in the same transaction, so the
	// withdrawal is visible in the projection as soon as it returns.
	rec.Status = RecordWithdrawn
	if _, err := idx.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert withdraw: %v", err)
	}
	if got := projectedStudents(t, idx, unit, 2026, 2); len(got) != 0 {
		t.Fatalf("projection after withdrawal = %v, want empty", got)
	}
}

func TestReconcileKeepsRowsWithSurvivingActive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	unit := "unit-" + uuid.NewString()
	cleanupUnit(t, db, unit)
	idx := NewIndex(db)

	// Two primary rows for the same tuple, one active and one withdrawn. The
	// retirement pass must keep the projection row because an active primary
	// record still backs it.
	if _, err := idx.Upsert(ctx, Record{
		StudentID: "stu-d", UnitID: unit, Year: 2026, Semester: 1, Status: RecordActive,
	}); err != nil {
		t.Fatalf("Upsert active: %v", err)
	}
	if _, err := idx.Upsert(ctx, Record{
		StudentID: "stu-d", UnitID: unit, Year: 2026, Semester: 1, Status: RecordWithdrawn,
	}); err != nil {
		t.Fatalf("Upsert withdrawn: %v", err)
	}

	if got := projectedStudents(t, idx, unit, 2026, 1); len(got) != 1 || got[0] != "stu-d" {
		t.Fatalf("projection = %v, want stu-d kept", got)
	}
}

func TestReconcileAllSweepsEveryTuple(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	unit := "unit-" + uuid.NewString()
	cleanupUnit(t, db, unit)
	idx := NewIndex(db)

	for _, rec := range []Record{
		{StudentID: "stu-s1", UnitID: unit, Year: 2026, Semester: 1, Status: RecordActive},
		{StudentID: "stu-s2", UnitID: unit, Year: 2026, Semester: 2, Status: RecordActive},
	} {
		if _, err := idx.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert %s: %v", rec.StudentID, err)
		}
	}

	// Drift the projection behind the primary table, as if a trigger was lost.
	if _, err := db.ExecContext(ctx,
		`DELETE FROM enrollment_projection WHERE unit_id = $1`, unit); err != nil {
		t.Fatal(err)
	}

	n, err := idx.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if n < 2 {
		t.Fatalf("ReconcileAll swept %d tuples, want at least 2", n)
	}
	if got := projectedStudents(t, idx, unit, 2026, 1); len(got) != 1 || got[0] != "stu-s1" {
		t.Fatalf("semester 1 projection = %v, want stu-s1", got)
	}
	if got := projectedStudents(t, idx, unit, 2026, 2); len(got) != 1 || got[0] != "stu-s2" {
		t.Fatalf("semester 2 projection = %v, want stu-s2", got)
	}
}

func TestLookupReadsPrimaryNotProjection(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	unit := "unit-" + uuid.NewString()
	cleanupUnit(t, db, unit)
	idx := NewIndex(db)

	if _, err := idx.Upsert(ctx, Record{
		StudentID: "stu-p", UnitID: unit, Year: 2026, Semester: 1, Status: RecordActive,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// A stale projection row must not grant membership.
	if _, err := db.ExecContext(ctx,
		`DELETE FROM enrollment_projection WHERE unit_id = $1`, unit); err != nil {
		t.Fatal(err)
	}

	status, err := idx.Lookup(ctx, db, "stu-p", unit, 2026, 1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if status != StatusActive {
		t.Fatalf("Lookup = %v, want StatusActive from the primary table", status)
	}
}
