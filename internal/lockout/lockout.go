// Package lockout tracks failed login attempts and the temporary lock they
// trigger.
//
// An account is either Unlocked (no lock, or a lock in the past) or Locked
// (lock strictly in the future). Locking is a side effect of the failure count
// crossing the threshold, so once a lock expires the next failure starts a
// fresh window instead of relocking immediately.
package lockout

import "time"

const (
	DefaultThreshold = 5
	DefaultDuration  = 2 * time.Hour
)

type State struct {
	LoginAttempts int
	LockUntil     *time.Time
}

func (s State) IsLocked(now time.Time) bool {
	return s.LockUntil != nil && s.LockUntil.After(now)
}

func (s State) lockExpired(now time.Time) bool {
	return s.LockUntil != nil && !s.LockUntil.After(now)
}

type Policy struct {
	Threshold int
	Duration  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, Duration: DefaultDuration}
}

func (p Policy) normalized() Policy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	if p.Duration <= 0 {
		p.Duration = DefaultDuration
	}
	return p
}

// RecordFailure returns the state after one more failed attempt at now.
func (p Policy) RecordFailure(s State, now time.Time) State {
	p = p.normalized()

	if s.lockExpired(now) {
		return State{LoginAttempts: 1}
	}

	next := State{LoginAttempts: s.LoginAttempts + 1, LockUntil: s.LockUntil}
	if next.LoginAttempts >= p.Threshold && !s.IsLocked(now) {
		until := now.UTC().Add(p.Duration)
		next.LockUntil = &until
	}
	return next
}

func RecordSuccess(State) State {
	return State{}
}
