package pipeline

import (
	"context"
	"database/sql"

	"github.com/Briankiboi/attendance-engine/internal/enrollment"
	"github.com/Briankiboi/attendance-engine/internal/ledger"
)

// PGStore implements DecisionStore over Postgres, scoping the enrollment
// read, duplicate check, and conditional insert to one sql.Tx.
type PGStore struct {
	db     *sql.DB
	enroll *enrollment.Index
	ledger *ledger.Ledger
}

// NewPGStore wires the store over shared repositories.
func NewPGStore(db *sql.DB, enroll *enrollment.Index, led *ledger.Ledger) *PGStore {
	return &PGStore{db: db, enroll: enroll, ledger: led}
}

// Transact runs fn in a transaction, committing only when fn returns nil.
func (s *PGStore) Transact(ctx context.Context, fn func(ctx context.Context, tx DecisionTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(ctx, &pgTx{tx: tx, store: s}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx    *sql.Tx
	store *PGStore
}

func (t *pgTx) EnrollmentStatus(ctx context.Context, studentID, unitID string, year, semester int) (enrollment.Status, error) {
	return t.store.enroll.Lookup(ctx, t.tx, studentID, unitID, year, semester)
}

func (t *pgTx) ExistingRecord(ctx context.Context, studentID, sessionID string) (*ledger.Record, error) {
	return t.store.ledger.Existing(ctx, t.tx, studentID, sessionID)
}

func (t *pgTx) InsertVerified(ctx context.Context, rec ledger.Record) (ledger.Record, bool, error) {
	return t.store.ledger.InsertVerified(ctx, t.tx, rec)
}
