package security

import "time"

// Clock supplies the current time. Every expiry decision in the server goes
// through a Clock so tests can drive time deterministically.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return ClockFunc(time.Now)
}

// IsExpired reports whether a credential that expires at expiresAt is expired
// at now. A credential is valid strictly before its expiry instant, so a
// credential issued with a zero TTL is expired immediately. There is no clock
// skew grace period.
func IsExpired(now, expiresAt time.Time) bool {
	return !now.Before(expiresAt)
}

// ExpiresIn returns the whole seconds remaining until expiresAt, never negative.
func ExpiresIn(now, expiresAt time.Time) int64 {
	if !now.Before(expiresAt) {
		return 0
	}
	return int64(expiresAt.Sub(now) / time.Second)
}
