// Package ratelimit implements the per-connection chat throttle: a minimum
// interval between accepted messages combined with a cap on accepted
// messages inside a trailing window.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Policy configures a State. A zero MinInterval disables the interval gate,
// a zero Window or WindowMax disables the window cap.
type Policy struct {
	MinInterval time.Duration
	Window      time.Duration
	WindowMax   int
}

// State is the throttle state of one connection. It is not safe for
// concurrent use; the connection that owns it evaluates it from a single
// goroutine.
type State struct {
	policy       Policy
	gate         *rate.Limiter
	lastAccepted time.Time
	accepted     []time.Time
}

// New returns a State that accepts its first message immediately.
func New(p Policy) *State {
	limit := rate.Inf
	if p.MinInterval > 0 {
		limit = rate.Every(p.MinInterval)
	}
	return &State{
		policy: p,
		gate:   rate.NewLimiter(limit, 1),
	}
}

// Allow decides whether a message arriving at now is accepted. A rejection
// leaves the state untouched and reports how long the sender should wait
// before the next attempt can succeed.
func (s *State) Allow(now time.Time) (bool, time.Duration) {
	if wait := s.windowWait(now); wait > 0 {
		return false, wait
	}

	if !s.gate.AllowN(now, 1) {
		wait := s.lastAccepted.Add(s.policy.MinInterval).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		return false, wait
	}

	s.lastAccepted = now
	if s.windowEnabled() {
		s.accepted = append(s.accepted, now)
	}
	return true, 0
}

// LastAccepted returns the arrival time of the most recently accepted
// message, or the zero time.
func (s *State) LastAccepted() time.Time {
	return s.lastAccepted
}

func (s *State) windowEnabled() bool {
	return s.policy.Window > 0 && s.policy.WindowMax > 0
}

// windowWait prunes timestamps that left the trailing window and returns the
// time until the oldest remaining one expires when the cap is reached.
func (s *State) windowWait(now time.Time) time.Duration {
	if !s.windowEnabled() {
		return 0
	}

	cutoff := now.Add(-s.policy.Window)
	keep := 0
	for keep < len(s.accepted) && !s.accepted[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		s.accepted = append(s.accepted[:0], s.accepted[keep:]...)
	}

	if len(s.accepted) < s.policy.WindowMax {
		return 0
	}
	return s.accepted[0].Add(s.policy.Window).Sub(now)
}
