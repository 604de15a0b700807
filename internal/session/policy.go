package session

import (
	"time"

	"signify-ivr/internal/domain"
)

// Clock supplies the current time; tests replace it to drive expiry.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ExpiryPolicy bounds how long sessions stay resident.
//
// IdleTimeout moves an active session with no activity to abandoned.
// Retention is how long a completed or abandoned session is kept before
// eviction. A zero duration disables that rule.
type ExpiryPolicy struct {
	IdleTimeout time.Duration
	Retention   time.Duration
}

// Idle reports whether an active session has been silent past IdleTimeout.
func (p ExpiryPolicy) Idle(s domain.CallSession, now time.Time) bool {
	if p.IdleTimeout <= 0 || s.Status != domain.CallActive {
		return false
	}
	return now.Sub(lastSeen(s)) > p.IdleTimeout
}

// Evictable reports whether a terminal session has outlived Retention.
func (p ExpiryPolicy) Evictable(s domain.CallSession, now time.Time) bool {
	if p.Retention <= 0 || !s.Terminal() {
		return false
	}
	ended := lastSeen(s)
	if s.EndTime != nil {
		ended = *s.EndTime
	}
	return now.Sub(ended) > p.Retention
}

// Abandon marks an idle session abandoned at now.
func Abandon(s *domain.CallSession, now time.Time) {
	s.Status = domain.CallAbandoned
	s.EndTime = &now
}

func lastSeen(s domain.CallSession) time.Time {
	if s.LastActivity.After(s.StartTime) {
		return s.LastActivity
	}
	return s.StartTime
}
