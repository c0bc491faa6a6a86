// Package ringchan provides a bounded channel that drops its oldest element
// instead of blocking the producer.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Chan is a bounded, overwrite-oldest buffer with a channel-shaped read side.
//
//	rc := ringchan.New[Event](64)
//	rc.Send(ev)              // never blocks
//	for ev := range rc.C() { // ends after Close
//	    ...
//	}
//
// Producers serialize on a mutex so "drop oldest, insert newest" is atomic
// with respect to other producers. Consumers read without locking.
type Chan[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
	stats  counters
}

// Stats is a snapshot of a Chan's counters. Received only counts reads
// through Receive and TryReceive.
type Stats struct {
	Sent        int64
	Overwritten int64
	Received    int64
	Rejected    int64
}

type counters struct {
	sent        atomic.Int64
	overwritten atomic.Int64
	received    atomic.Int64
	rejected    atomic.Int64
}

// New creates a Chan holding at most capacity elements.
func New[T any](capacity int) *Chan[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Chan[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *Chan[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was discarded. Sending on a closed Chan is
// a no-op counted as rejected.
func (rc *Chan[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		rc.stats.rejected.Add(1)
		return false
	}
	for {
		select {
		case rc.ch <- v:
			rc.stats.sent.Add(1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			rc.stats.overwritten.Add(1)
			dropped = true
		default:
			// a consumer made room in between
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *Chan[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		rc.stats.rejected.Add(1)
		return false
	}
	select {
	case rc.ch <- v:
		rc.stats.sent.Add(1)
		return true
	default:
		rc.stats.rejected.Add(1)
		return false
	}
}

// Receive blocks for the next element. ok is false once the Chan is closed
// and drained.
func (rc *Chan[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.stats.received.Add(1)
	}
	return v, ok
}

// TryReceive returns the next element if one is buffered.
func (rc *Chan[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.stats.received.Add(1)
		}
		return v, ok
	default:
		return v, false
	}
}

func (rc *Chan[T]) Len() int { return len(rc.ch) }
func (rc *Chan[T]) Cap() int { return cap(rc.ch) }

// Close ends the stream. Buffered elements remain readable. Close is idempotent.
func (rc *Chan[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

func (rc *Chan[T]) Stats() Stats {
	return Stats{
		Sent:        rc.stats.sent.Load(),
		Overwritten: rc.stats.overwritten.Load(),
		Received:    rc.stats.received.Load(),
		Rejected:    rc.stats.rejected.Load(),
	}
}
