// Package slot implements a single-slot command channel: at-most-one
// in-flight message, with completion observable as back-pressure. It
// backs both the build manager and the update manager's command intake.
//
// This "slot + wake + guard" primitive is a bespoke backpressure shape,
// not a bounded channel or a worker pool, and no off-the-shelf queue
// library fits it cleanly, so it is a deliberate standard-library-only
// component built on sync.Mutex and a capacity-1 wake channel.
package slot

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyBusy is returned by Submit when a previous message has not yet
// been fully handled.
var ErrAlreadyBusy = errors.New("slot: already busy")

// ErrClosed is returned by Submit and AwaitMessage once the receiver side
// has been closed.
var ErrClosed = errors.New("slot: closed")

// Slot is a single-capacity mailbox transporting values of type T. The
// zero value is not usable; construct with New.
type Slot[T any] struct {
	mu       sync.Mutex
	occupied bool
	msg      T
	wake     chan struct{}
	closed   bool
}

// New constructs an empty, open Slot.
func New[T any]() *Slot[T] {
	return &Slot[T]{
		wake: make(chan struct{}, 1),
	}
}

// Submit places msg into the slot and posts a single wake signal. It
// returns ErrAlreadyBusy if a message is already occupying the slot, or
// ErrClosed if the receiver has closed the slot. Submit never blocks on
// the handler completing; it only blocks as long as it takes to acquire
// the internal mutex.
func (s *Slot[T]) Submit(msg T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.occupied {
		return ErrAlreadyBusy
	}

	s.msg = msg
	s.occupied = true

	select {
	case s.wake <- struct{}{}:
	default:
		// A wake is already pending; at-most-one message means this can't
		// happen in practice, but posting is best-effort and idempotent.
	}
	return nil
}

// AwaitMessage suspends until a wake signal is available, the context is
// cancelled, or the slot is closed.
func (s *Slot[T]) AwaitMessage(ctx context.Context) error {
	select {
	case _, ok := <-s.wake:
		if !ok {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Container is an owning guard over the slot's current message. Dropping
// the guard (calling Release) empties the slot, which is what makes the
// sender's next Submit observe the slot as free.
type Container[T any] struct {
	s       *Slot[T]
	msg     T
	present bool
}

// AcquireContainer takes ownership of whatever message is presently in the
// slot (present=false if none — a spurious wake or a wake raced by another
// acquire). Handlers must run within the container's lifetime and call
// Release (typically via defer) exactly once when done.
func (s *Slot[T]) AcquireContainer() *Container[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &Container[T]{s: s}
	if s.occupied {
		c.msg = s.msg
		c.present = true
	}
	return c
}

// Message returns the guarded message and whether one was actually present.
func (c *Container[T]) Message() (T, bool) {
	return c.msg, c.present
}

// Release empties the slot, making it available to the next Submit. It is
// safe to call more than once; only the first call has an effect.
func (c *Container[T]) Release() {
	if c == nil || c.s == nil {
		return
	}
	s := c.s
	c.s = nil
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occupied = false
	var zero T
	s.msg = zero
}

// Close marks the slot closed: further Submit and AwaitMessage calls fail
// with ErrClosed. Close does not empty an occupied slot; an in-flight
// handler's Container.Release still runs normally.
func (s *Slot[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.wake)
}
