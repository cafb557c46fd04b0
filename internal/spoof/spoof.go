package spoof

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Briankiboi/attendance-engine/internal/session"
)

// Signals is advisory metadata for lecturer review. It never terminates the
// pipeline on its own: shared devices and clock drift are common and
// legitimate, so hard blocking stays with mock-location and radius checks.
type Signals struct {
	Score              int      `json:"score"`
	Notes              []string `json:"notes,omitempty"`
	DeviceStudentCount int64    `json:"device_student_count"`
	IPCount            int64    `json:"ip_count"`
	ClockDriftSeconds  float64  `json:"clock_drift_seconds"`
}

// Attempt is the slice of a check-in the evaluator needs.
type Attempt struct {
	StudentID         string
	SessionID         string
	DeviceFingerprint string
	SourceIP          string
	ClientTimestamp   time.Time
}

// Windows tracks distinct members per key over a rolling window.
type Windows interface {
	AddAndCount(ctx context.Context, key, member string, ttl time.Duration) (int64, error)
}

// RedisWindows implements Windows over a redis set with expiry.
type RedisWindows struct {
	Client *redis.Client
}

// AddAndCount adds member to the set at key, refreshes the window TTL, and
// returns the set cardinality.
func (w *RedisWindows) AddAndCount(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	pipe := w.Client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, ttl)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// Evaluator computes fraud signals over rolling windows.
type Evaluator struct {
	windows           Windows
	clockDriftMax     time.Duration
	deviceReuseWindow time.Duration
	ipSpreadWindow    time.Duration
}

// NewEvaluator builds an evaluator with the configured thresholds.
func NewEvaluator(windows Windows, clockDriftMax, deviceReuseWindow, ipSpreadWindow time.Duration) *Evaluator {
	return &Evaluator{
		windows:           windows,
		clockDriftMax:     clockDriftMax,
		deviceReuseWindow: deviceReuseWindow,
		ipSpreadWindow:    ipSpreadWindow,
	}
}

// Evaluate computes signals for one attempt. Window-store failures degrade to
// a note so a redis outage can never block check-ins.
func (e *Evaluator) Evaluate(ctx context.Context, att Attempt, sess session.Session, now time.Time) Signals {
	var sig Signals

	if att.DeviceFingerprint != "" {
		key := fmt.Sprintf("spoof:device:%s:%s", sess.UnitID, att.DeviceFingerprint)
		n, err := e.windows.AddAndCount(ctx, key, att.StudentID, e.deviceReuseWindow)
		if err != nil {
			log.Printf("spoof: device window unavailable: %v", err)
			sig.Notes = append(sig.Notes, "device-reuse signal unavailable")
		} else {
			sig.DeviceStudentCount = n
			if n > 1 {
				sig.Score += 2
				sig.Notes = append(sig.Notes, fmt.Sprintf("device shared by %d students in window", n))
			}
		}
	}

	if att.SourceIP != "" {
		key := fmt.Sprintf("spoof:ip:%s", att.StudentID)
		n, err := e.windows.AddAndCount(ctx, key, att.SourceIP, e.ipSpreadWindow)
		if err != nil {
			log.Printf("spoof: ip window unavailable: %v", err)
			sig.Notes = append(sig.Notes, "ip-spread signal unavailable")
		} else {
			sig.IPCount = n
			if n > 2 {
				sig.Score += 1
				sig.Notes = append(sig.Notes, fmt.Sprintf("student seen from %d IPs in window", n))
			}
		}
	}

	if !att.ClientTimestamp.IsZero() {
		drift := now.Sub(att.ClientTimestamp)
		sig.ClockDriftSeconds = drift.Seconds()
		if math.Abs(drift.Seconds()) > e.clockDriftMax.Seconds() {
			sig.Score += 1
			sig.Notes = append(sig.Notes, fmt.Sprintf("client clock drift %.0fs", drift.Seconds()))
		}
	}

	return sig
}

// NotesText flattens the signal notes for persistence on the record.
func (s Signals) NotesText() string {
	out := ""
	for i, n := range s.Notes {
		if i > 0 {
			out += "; "
		}
		out += n
	}
	return out
}
