package session

import (
	"testing"
	"time"
)

func TestLifecycle(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	s := Session{StartAt: start, EndAt: end}

	tests := []struct {
		name string
		now  time.Time
		want State
	}{
		{name: "before start", now: start.Add(-time.Second), want: StatePending},
		{name: "exactly at start", now: start, want: StateActive},
		{name: "mid window", now: start.Add(15 * time.Minute), want: StateActive},
		{name: "instant before end", now: end.Add(-time.Nanosecond), want: StateActive},
		{name: "exactly at end", now: end, want: StateExpired},
		{name: "after end", now: end.Add(time.Minute), want: StateExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Lifecycle(s, tt.now); got != tt.want {
				t.Errorf("Lifecycle(%s) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestDecodeMetadata(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want map[string]string
	}{
		{name: "empty payload", raw: nil, want: nil},
		{name: "valid bag", raw: []byte(`{"room":"LT-2"}`), want: map[string]string{"room": "LT-2"}},
		{name: "corrupt json dropped", raw: []byte(`{"room":`), want: nil},
		{name: "wrong shape dropped", raw: []byte(`[1,2,3]`), want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeMetadata("sess-1", tt.raw)
			if len(got) != len(tt.want) {
				t.Fatalf("decodeMetadata() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("decodeMetadata()[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestRegistryValidate(t *testing.T) {
	r := &Registry{radiusMinM: 1, radiusMaxM: 200}
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		s       Session
		wantErr error
	}{
		{
			name:    "end before start",
			s:       Session{StartAt: start, EndAt: start.Add(-time.Hour)},
			wantErr: ErrBadWindow,
		},
		{
			name:    "end equals start",
			s:       Session{StartAt: start, EndAt: start},
			wantErr: ErrBadWindow,
		},
		{
			name:    "radius below bound",
			s:       Session{StartAt: start, EndAt: start.Add(time.Hour), Geofence: &Geofence{RadiusM: 0.5}},
			wantErr: ErrBadRadius,
		},
		{
			name:    "radius above bound",
			s:       Session{StartAt: start, EndAt: start.Add(time.Hour), Geofence: &Geofence{RadiusM: 201}},
			wantErr: ErrBadRadius,
		},
		{
			name: "valid with fence",
			s:    Session{StartAt: start, EndAt: start.Add(time.Hour), Geofence: &Geofence{RadiusM: 50}, LocationRequired: true},
		},
		{
			name: "valid without fence",
			s:    Session{StartAt: start, EndAt: start.Add(time.Hour)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.validate(tt.s)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("validate() unexpected error: %v", err)
			}
			if tt.wantErr != nil && err != tt.wantErr {
				t.Fatalf("validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
