package session

import (
	"errors"
	"time"
)

// State is the derived temporal state of a session.
type State string

const (
	StatePending State = "PENDING"
	StateActive  State = "ACTIVE"
	StateExpired State = "EXPIRED"
)

var (
	// ErrNotFound is returned when a session id resolves to nothing.
	ErrNotFound = errors.New("session not found")
	// ErrBadWindow is returned for a window with end <= start.
	ErrBadWindow = errors.New("session window end must be after start")
	// ErrBadRadius is returned for a geofence radius outside configured bounds.
	ErrBadRadius = errors.New("geofence radius outside allowed bounds")
)

// Geofence is a circular acceptance area around the classroom.
type Geofence struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	RadiusM float64 `json:"radius_m"`
}

// Session is one scheduled class attendance window. The window is half-open:
// [StartAt, EndAt). IsActive is a cached listing hint recomputed on every
// write; authorization decisions always call Lifecycle instead.
type Session struct {
	ID               string            `json:"id"`
	UnitID           string            `json:"unit_id"`
	LecturerID       string            `json:"lecturer_id"`
	StartAt          time.Time         `json:"start_at"`
	EndAt            time.Time         `json:"end_at"`
	Geofence         *Geofence         `json:"geofence,omitempty"`
	LocationRequired bool              `json:"location_required"`
	Token            string            `json:"-"`
	TokenIssuedAt    time.Time         `json:"-"`
	BackupKey        string            `json:"-"`
	Year             int               `json:"year"`
	Semester         int               `json:"semester"`
	IsActive         bool              `json:"is_active"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Lifecycle derives the session state from the trusted clock. Start is
// inclusive, end is exclusive. Client-reported time never feeds this.
func Lifecycle(s Session, now time.Time) State {
	if now.Before(s.StartAt) {
		return StatePending
	}
	if !now.Before(s.EndAt) {
		return StateExpired
	}
	return StateActive
}
