// Package apilock implements a single boolean latch that, once set by an
// incorrect API key, causes the process to reject all further API calls
// (even with the correct key) until restart. It exists solely to
// rate-limit brute force to one attempt per process lifetime.
package apilock

import (
	"crypto/subtle"
	"sync/atomic"
)

// Lock is a process-wide, monotonic false->true latch. The zero value is
// ready to use (unlocked).
type Lock struct {
	locked atomic.Bool
}

// Locked reports whether the lock has been tripped.
func (l *Lock) Locked() bool {
	return l.locked.Load()
}

// Trip sets the latch. Idempotent.
func (l *Lock) Trip() {
	l.locked.Store(true)
}

// Check authenticates presented against expected using a constant-time
// comparison, then applies the latch: on any mismatch the lock trips and
// every subsequent call, regardless of the key presented, is rejected.
//
// Returns true iff presented authenticates successfully and the lock was
// not (and is not now) tripped.
func (l *Lock) Check(expected, presented string) bool {
	if l.locked.Load() {
		return false
	}
	ok := subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
	if !ok {
		l.Trip()
		return false
	}
	return true
}
