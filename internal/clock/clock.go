// Package clock abstracts wall-clock time so components that stamp status
// rows, snapshots and audit events can be driven deterministically in tests.
package clock

import "time"

// Clock supplies the current time.
//
// Thread-safety: implementations must be safe for concurrent use; the
// orchestrator runs tenants in parallel against one clock.
type Clock interface {
	Now() time.Time
}

// System is the production clock. Times are always UTC so persisted
// timestamps sort lexically.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since t according to c.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// OrSystem returns c, or the system clock when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
