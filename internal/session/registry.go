package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

// Registry persists sessions in Postgres.
type Registry struct {
	db         *sql.DB
	radiusMinM float64
	radiusMaxM float64
	now        func() time.Time
}

// NewRegistry creates a registry enforcing the given geofence radius bounds.
func NewRegistry(db *sql.DB, radiusMinM, radiusMaxM float64) *Registry {
	return &Registry{
		db:         db,
		radiusMinM: radiusMinM,
		radiusMaxM: radiusMaxM,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) validate(s Session) error {
	if !s.EndAt.After(s.StartAt) {
		return ErrBadWindow
	}
	if s.Geofence != nil && (s.Geofence.RadiusM < r.radiusMinM || s.Geofence.RadiusM > r.radiusMaxM) {
		return ErrBadRadius
	}
	if s.LocationRequired && s.Geofence == nil {
		return errors.New("location required but no geofence configured")
	}
	return nil
}

// Create inserts a new session. Malformed windows and out-of-bounds radii are
// rejected here so the decision pipeline can assume them away.
func (r *Registry) Create(ctx context.Context, s Session) (Session, error) {
	if err := r.validate(s); err != nil {
		return Session{}, err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.TokenIssuedAt.IsZero() {
		s.TokenIssuedAt = r.now()
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return Session{}, err
	}
	now := r.now()
	s.IsActive = Lifecycle(s, now) == StateActive

	var lat, lon, radius sql.NullFloat64
	if s.Geofence != nil {
		lat = sql.NullFloat64{Float64: s.Geofence.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: s.Geofence.Lon, Valid: true}
		radius = sql.NullFloat64{Float64: s.Geofence.RadiusM, Valid: true}
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions
			(id, unit_id, lecturer_id, start_at, end_at, lat, lon, radius_m,
			 location_required, token, token_issued_at, backup_key, year, semester,
			 is_active, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at
	`, s.ID, s.UnitID, s.LecturerID, s.StartAt, s.EndAt, lat, lon, radius,
		s.LocationRequired, s.Token, s.TokenIssuedAt, s.BackupKey, s.Year, s.Semester,
		s.IsActive, meta)
	if err := row.Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Get returns one session by id.
func (r *Registry) Get(ctx context.Context, id string) (Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		SELECT id, unit_id, lecturer_id, start_at, end_at, lat, lon, radius_m,
		       location_required, token, token_issued_at, backup_key, year, semester,
		       is_active, metadata, created_at, updated_at
		FROM sessions WHERE id = $1
	`, id))
}

// UpdateWindow edits the time window and geofence, recomputing the cached
// is_active flag in the same statement so the hint never lags a write.
func (r *Registry) UpdateWindow(ctx context.Context, id string, start, end time.Time, fence *Geofence, locationRequired bool) (Session, error) {
	candidate := Session{StartAt: start, EndAt: end, Geofence: fence, LocationRequired: locationRequired}
	if err := r.validate(candidate); err != nil {
		return Session{}, err
	}
	active := Lifecycle(candidate, r.now()) == StateActive

	var lat, lon, radius sql.NullFloat64
	if fence != nil {
		lat = sql.NullFloat64{Float64: fence.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: fence.Lon, Valid: true}
		radius = sql.NullFloat64{Float64: fence.RadiusM, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET start_at = $2, end_at = $3, lat = $4, lon = $5, radius_m = $6,
		    location_required = $7, is_active = $8, updated_at = NOW()
		WHERE id = $1
	`, id, start, end, lat, lon, radius, locationRequired, active)
	if err != nil {
		return Session{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Session{}, ErrNotFound
	}
	return r.Get(ctx, id)
}

// RotateToken replaces the session token and restarts its single-use expiry.
func (r *Registry) RotateToken(ctx context.Context, id, token string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET token = $2, token_issued_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActive returns sessions flagged active. Listing only: the flag is a
// hint and may be stale between writes, so callers must not authorize on it.
func (r *Registry) ListActive(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, unit_id, lecturer_id, start_at, end_at, lat, lon, radius_m,
		       location_required, token, token_issued_at, backup_key, year, semester,
		       is_active, metadata, created_at, updated_at
		FROM sessions
		WHERE is_active = TRUE
		ORDER BY start_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RefreshActiveFlags recomputes the cached flag for every session whose flag
// disagrees with its window. Run by the worker as a periodic sweep.
func (r *Registry) RefreshActiveFlags(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET is_active = (NOW() >= start_at AND NOW() < end_at), updated_at = NOW()
		WHERE is_active <> (NOW() >= start_at AND NOW() < end_at)
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s                Session
		lat, lon, radius sql.NullFloat64
		meta             []byte
	)
	err := row.Scan(&s.ID, &s.UnitID, &s.LecturerID, &s.StartAt, &s.EndAt,
		&lat, &lon, &radius, &s.LocationRequired, &s.Token, &s.TokenIssuedAt,
		&s.BackupKey, &s.Year, &s.Semester, &s.IsActive, &meta, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if lat.Valid && lon.Valid && radius.Valid {
		s.Geofence = &Geofence{Lat: lat.Float64, Lon: lon.Float64, RadiusM: radius.Float64}
	}
	s.Metadata = decodeMetadata(s.ID, meta)
	return s, nil
}

// decodeMetadata parses the opaque metadata bag. Corrupt payloads are logged
// and dropped rather than failing the read: the decision pipeline never
// branches on this map.
func decodeMetadata(sessionID string, raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		log.Printf("session %s: corrupt metadata dropped: %v", sessionID, err)
		return nil
	}
	return meta
}
