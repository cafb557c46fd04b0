package pipeline

import (
	"time"

	"github.com/Briankiboi/attendance-engine/internal/geo"
)

// Status is the terminal outcome of one check-in attempt.
type Status string

const (
	StatusSuccess             Status = "SUCCESS"
	StatusSessionNotStarted   Status = "SESSION_NOT_STARTED"
	StatusSessionExpired      Status = "SESSION_EXPIRED"
	StatusInvalidProof        Status = "INVALID_PROOF"
	StatusRateLimited         Status = "RATE_LIMITED"
	StatusNotEnrolled         Status = "NOT_ENROLLED"
	StatusAmbiguousEnrollment Status = "AMBIGUOUS_ENROLLMENT"
	StatusAlreadyMarked       Status = "ALREADY_MARKED"
	StatusOutsideRadius       Status = "OUTSIDE_RADIUS"
	StatusInvalidLocation     Status = "INVALID_LOCATION"
	StatusMockLocation        Status = "MOCK_LOCATION_DETECTED"
)

// ProofType distinguishes a scanned token from the lecturer-issued backup key.
type ProofType string

const (
	ProofToken     ProofType = "TOKEN"
	ProofBackupKey ProofType = "BACKUP_KEY"
)

// Proof is the opaque proof-of-session value presented by the student.
type Proof struct {
	Type  ProofType `json:"type" binding:"required,oneof=TOKEN BACKUP_KEY"`
	Value string    `json:"value" binding:"required"`
}

// Device is client-reported device metadata. ClientTimestamp is informational
// only: it feeds the spoofing evaluator, never lifecycle or geofence decisions.
type Device struct {
	Fingerprint     string    `json:"fingerprint"`
	Platform        string    `json:"platform"`
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// Attempt is one ephemeral check-in attempt. Never persisted as-is.
type Attempt struct {
	StudentID string        `json:"student_id" binding:"required"`
	SessionID string        `json:"session_id" binding:"required"`
	Proof     Proof         `json:"proof" binding:"required"`
	Location  *geo.Location `json:"location,omitempty"`
	Device    Device        `json:"device"`
	SourceIP  string        `json:"-"`
}

// Outcome is the structured result returned for every attempt.
type Outcome struct {
	Status    Status   `json:"status"`
	Message   string   `json:"message"`
	DistanceM *float64 `json:"distance_m,omitempty"`
	RecordID  string   `json:"attendance_record_id,omitempty"`
	Notes     string   `json:"verification_notes,omitempty"`
}

// message is the human-readable line accompanying each status.
func message(s Status) string {
	switch s {
	case StatusSuccess:
		return "attendance marked"
	case StatusSessionNotStarted:
		return "session has not started yet"
	case StatusSessionExpired:
		return "session has ended"
	case StatusInvalidProof:
		return "session token or backup key not accepted"
	case StatusRateLimited:
		return "too many backup key attempts, try again later"
	case StatusNotEnrolled:
		return "no active enrollment for this unit and period"
	case StatusAmbiguousEnrollment:
		return "enrollment records are inconsistent, contact the registrar"
	case StatusAlreadyMarked:
		return "attendance was already marked for this session"
	case StatusOutsideRadius:
		return "you are outside the class location"
	case StatusInvalidLocation:
		return "location missing or too imprecise to verify"
	case StatusMockLocation:
		return "mock location detected"
	default:
		return string(s)
	}
}

// hardReject reports whether a status is a business-rule rejection eligible
// for the audit trail. SUCCESS and the idempotent ALREADY_MARKED replay are
// not rejections.
func hardReject(s Status) bool {
	return s != StatusSuccess && s != StatusAlreadyMarked
}
