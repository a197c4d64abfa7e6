package account

import "time"

type LockoutPolicy struct {
	MaxAttempts  int
	LockDuration time.Duration
}

type LoginState struct {
	Attempts  int
	LockUntil *time.Time
}

func (s LoginState) Locked(now time.Time) bool {
	return s.LockUntil != nil && s.LockUntil.After(now)
}

// NextLoginState applies one failed attempt. An expired lock restarts the
// counter at 1; reaching MaxAttempts while unlocked starts a new lock. An
// active lock is never extended. Repository.RegisterFailedLogin runs the same
// rules as a single UPDATE.
func NextLoginState(current LoginState, policy LockoutPolicy, now time.Time) LoginState {
	if current.LockUntil != nil && !current.LockUntil.After(now) {
		return LoginState{Attempts: 1}
	}

	next := LoginState{Attempts: current.Attempts + 1, LockUntil: current.LockUntil}
	if next.Attempts >= policy.MaxAttempts && current.LockUntil == nil {
		until := now.UTC().Add(policy.LockDuration)
		next.LockUntil = &until
	}
	return next
}
