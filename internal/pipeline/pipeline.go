package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Briankiboi/attendance-engine/internal/enrollment"
	"github.com/Briankiboi/attendance-engine/internal/geo"
	"github.com/Briankiboi/attendance-engine/internal/ledger"
	"github.com/Briankiboi/attendance-engine/internal/session"
	"github.com/Briankiboi/attendance-engine/internal/spoof"
)

var (
	// ErrUnknownSession is an input error: the attempt references no session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrBadAttempt is an input error: required fields are missing.
	ErrBadAttempt = errors.New("malformed check-in attempt")

	// errHalt aborts the decision transaction once a terminal outcome is set.
	errHalt = errors.New("decision settled")
)

// SessionRegistry supplies session definitions. Owned by the lecturer-facing
// session-creation flow.
type SessionRegistry interface {
	Get(ctx context.Context, id string) (session.Session, error)
}

// DecisionTx is the slice of the store visible inside the decision
// transaction: enrollment read, duplicate check, and the conditional insert
// must share one transaction so the check-then-insert sequence is atomic.
type DecisionTx interface {
	EnrollmentStatus(ctx context.Context, studentID, unitID string, year, semester int) (enrollment.Status, error)
	ExistingRecord(ctx context.Context, studentID, sessionID string) (*ledger.Record, error)
	InsertVerified(ctx context.Context, rec ledger.Record) (ledger.Record, bool, error)
}

// DecisionStore runs fn inside one transaction, committing when fn returns
// nil and rolling back otherwise.
type DecisionStore interface {
	Transact(ctx context.Context, fn func(ctx context.Context, tx DecisionTx) error) error
}

// Auditor persists rejected attempts when configured to.
type Auditor interface {
	InsertRejected(ctx context.Context, rec ledger.Record) error
}

// SpoofEvaluator computes advisory fraud signals.
type SpoofEvaluator interface {
	Evaluate(ctx context.Context, att spoof.Attempt, sess session.Session, now time.Time) spoof.Signals
}

// Config carries the pipeline's policy knobs.
type Config struct {
	TokenTTL        time.Duration
	BackupKeyLimit  int
	PersistRejected bool
}

// Pipeline is the ordered, short-circuiting rule chain turning a raw attempt
// into an authoritative, idempotent outcome.
type Pipeline struct {
	sessions SessionRegistry
	store    DecisionStore
	auditor  Auditor
	limiter  AttemptLimiter
	geofence *geo.Validator
	spoofer  SpoofEvaluator
	cfg      Config
	now      func() time.Time
}

// New wires a pipeline. now defaults to the trusted server clock in UTC;
// client-reported time never reaches lifecycle or geofence decisions.
func New(sessions SessionRegistry, store DecisionStore, auditor Auditor, limiter AttemptLimiter, geofence *geo.Validator, spoofer SpoofEvaluator, cfg Config) *Pipeline {
	return &Pipeline{
		sessions: sessions,
		store:    store,
		auditor:  auditor,
		limiter:  limiter,
		geofence: geofence,
		spoofer:  spoofer,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the trusted clock. Tests only.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Decide evaluates one attempt. Business-rule rejections come back as a
// structured Outcome with a nil error. A non-nil error is either an input
// error (ErrUnknownSession, ErrBadAttempt) or an infrastructure failure the
// caller should surface as transient.
func (p *Pipeline) Decide(ctx context.Context, att Attempt) (Outcome, error) {
	start := time.Now()
	out, err := p.decide(ctx, att)
	if err == nil {
		decisionsTotal.WithLabelValues(string(out.Status)).Inc()
		decisionSeconds.Observe(time.Since(start).Seconds())
	}
	return out, err
}

func (p *Pipeline) decide(ctx context.Context, att Attempt) (Outcome, error) {
	if att.StudentID == "" || att.SessionID == "" || att.Proof.Value == "" {
		return Outcome{}, ErrBadAttempt
	}

	now := p.now()
	sess, err := p.getSession(ctx, att.SessionID)
	if err != nil {
		return Outcome{}, err
	}

	// Advisory signals always run; their notes ride along on every outcome.
	sig := p.spoofer.Evaluate(ctx, spoof.Attempt{
		StudentID:         att.StudentID,
		SessionID:         att.SessionID,
		DeviceFingerprint: att.Device.Fingerprint,
		SourceIP:          att.SourceIP,
		ClientTimestamp:   att.Device.ClientTimestamp,
	}, sess, now)
	notes := sig.NotesText()

	// Step 1: lifecycle, always re-derived from the trusted clock. The cached
	// is_active flag is a listing hint and can be stale between writes.
	switch session.Lifecycle(sess, now) {
	case session.StatePending:
		return p.reject(ctx, att, StatusSessionNotStarted, nil, notes), nil
	case session.StateExpired:
		return p.reject(ctx, att, StatusSessionExpired, nil, notes), nil
	}

	// Step 2: proof of session.
	switch att.Proof.Type {
	case ProofToken:
		expired := now.After(sess.TokenIssuedAt.Add(p.cfg.TokenTTL))
		if att.Proof.Value != sess.Token || expired {
			return p.reject(ctx, att, StatusInvalidProof, nil, notes), nil
		}
	case ProofBackupKey:
		// Count before comparing the key: a wrong key still burns an attempt,
		// and the increment is atomic so the limit holds under concurrency.
		n, err := p.limiter.Take(ctx, att.StudentID, att.SessionID)
		if err != nil {
			return Outcome{}, fmt.Errorf("backup key limiter: %w", err)
		}
		if n > int64(p.cfg.BackupKeyLimit) {
			return p.reject(ctx, att, StatusRateLimited, nil, notes), nil
		}
		if att.Proof.Value != sess.BackupKey {
			return p.reject(ctx, att, StatusInvalidProof, nil, notes), nil
		}
	default:
		return Outcome{}, ErrBadAttempt
	}

	// Steps 3-7 share one transaction: the duplicate check and the insert
	// must be atomic, with the ledger's unique constraint as final arbiter.
	var out Outcome
	txErr := p.store.Transact(ctx, func(ctx context.Context, tx DecisionTx) error {
		status, err := tx.EnrollmentStatus(ctx, att.StudentID, sess.UnitID, sess.Year, sess.Semester)
		if err != nil {
			return err
		}
		switch status {
		case enrollment.StatusNotEnrolled:
			out = p.outcome(StatusNotEnrolled, nil, notes)
			return errHalt
		case enrollment.StatusAmbiguous:
			log.Printf("integrity: ambiguous enrollment student=%s unit=%s period=%d/%d",
				att.StudentID, sess.UnitID, sess.Year, sess.Semester)
			out = p.outcome(StatusAmbiguousEnrollment, nil, notes)
			return errHalt
		}

		existing, err := tx.ExistingRecord(ctx, att.StudentID, att.SessionID)
		if err != nil {
			return err
		}
		if existing != nil {
			out = p.outcome(StatusAlreadyMarked, existing.DistanceM, notes)
			out.RecordID = existing.ID
			return errHalt
		}

		var distPtr *float64
		if sess.LocationRequired {
			if sess.Geofence == nil {
				return fmt.Errorf("session %s requires location but has no geofence: %w", sess.ID, geo.ErrBadFence)
			}
			dist, err := p.geofence.Check(*sess.Geofence, att.Location)
			switch {
			case errors.Is(err, geo.ErrBadFence):
				return fmt.Errorf("session %s: %w", sess.ID, err)
			case errors.Is(err, geo.ErrMockLocation):
				out = p.outcome(StatusMockLocation, nil, notes)
				return errHalt
			case errors.Is(err, geo.ErrInvalidLocation):
				out = p.outcome(StatusInvalidLocation, nil, notes)
				return errHalt
			case errors.Is(err, geo.ErrOutsideRadius):
				out = p.outcome(StatusOutsideRadius, &dist, notes)
				return errHalt
			case err != nil:
				return err
			}
			distPtr = &dist
		}

		rec, inserted, err := tx.InsertVerified(ctx, ledger.Record{
			StudentID: att.StudentID,
			SessionID: att.SessionID,
			Status:    string(StatusSuccess),
			DistanceM: distPtr,
			Notes:     notes,
		})
		if err != nil {
			return err
		}
		if !inserted {
			// A concurrent attempt won the race; replay its record.
			out = p.outcome(StatusAlreadyMarked, rec.DistanceM, notes)
			out.RecordID = rec.ID
			return errHalt
		}
		out = p.outcome(StatusSuccess, distPtr, notes)
		out.RecordID = rec.ID
		return nil
	})
	if txErr != nil && !errors.Is(txErr, errHalt) {
		return Outcome{}, txErr
	}

	if hardReject(out.Status) {
		p.audit(ctx, att, out)
	}
	return out, nil
}

// getSession retries the read once: it is idempotent and a transient store
// blip should not fail the attempt outright.
func (p *Pipeline) getSession(ctx context.Context, id string) (session.Session, error) {
	sess, err := p.sessions.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, session.ErrNotFound) {
		return session.Session{}, ErrUnknownSession
	}
	sess, retryErr := p.sessions.Get(ctx, id)
	if retryErr == nil {
		return sess, nil
	}
	if errors.Is(retryErr, session.ErrNotFound) {
		return session.Session{}, ErrUnknownSession
	}
	return session.Session{}, fmt.Errorf("session lookup: %w", retryErr)
}

func (p *Pipeline) outcome(s Status, dist *float64, notes string) Outcome {
	return Outcome{Status: s, Message: message(s), DistanceM: dist, Notes: notes}
}

// reject settles a pre-transaction rejection and audits it if configured.
func (p *Pipeline) reject(ctx context.Context, att Attempt, s Status, dist *float64, notes string) Outcome {
	out := p.outcome(s, dist, notes)
	p.audit(ctx, att, out)
	return out
}

// audit persists a rejection row, best effort. Audit failures never change
// the outcome handed to the student.
func (p *Pipeline) audit(ctx context.Context, att Attempt, out Outcome) {
	if !p.cfg.PersistRejected || p.auditor == nil {
		return
	}
	err := p.auditor.InsertRejected(ctx, ledger.Record{
		StudentID: att.StudentID,
		SessionID: att.SessionID,
		Status:    string(out.Status),
		DistanceM: out.DistanceM,
		Notes:     out.Notes,
	})
	if err != nil {
		log.Printf("audit insert failed for student=%s session=%s: %v", att.StudentID, att.SessionID, err)
	}
}
