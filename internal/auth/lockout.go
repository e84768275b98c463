package auth

import "time"

const (
	defaultMaxFailedLogins = 5
	defaultLockoutDuration = 10 * time.Minute
)

// LockoutPolicy decides when repeated failures lock an account. State lives
// on the account row; expiry is evaluated lazily at the next attempt.
type LockoutPolicy struct {
	MaxFailedLogins int
	Duration        time.Duration
	// CountTwoFactorFailures feeds failed second factors during login into
	// the same counter as password failures.
	CountTwoFactorFailures bool
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{MaxFailedLogins: defaultMaxFailedLogins, Duration: defaultLockoutDuration}
}

func (p LockoutPolicy) normalized() LockoutPolicy {
	if p.MaxFailedLogins <= 0 {
		p.MaxFailedLogins = defaultMaxFailedLogins
	}
	if p.Duration <= 0 {
		p.Duration = defaultLockoutDuration
	}
	return p
}

// LockedUntil returns the lockout expiry if a is locked at now.
func (p LockoutPolicy) LockedUntil(a *Account, now time.Time) (time.Time, bool) {
	if a.LockoutUntil == nil || !now.Before(*a.LockoutUntil) {
		return time.Time{}, false
	}
	return *a.LockoutUntil, true
}

// Expired reports whether a carries a lockout that has elapsed and should be
// cleared before the attempt proceeds.
func (p LockoutPolicy) Expired(a *Account, now time.Time) bool {
	return a.LockoutUntil != nil && !now.Before(*a.LockoutUntil)
}

// Until is the lockout expiry applied when a failure reaches the threshold.
func (p LockoutPolicy) Until(now time.Time) time.Time {
	return now.Add(p.Duration)
}
