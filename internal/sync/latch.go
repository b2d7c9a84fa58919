package sync

import (
	"context"
	"sync"
)

// Latch is a one-shot broadcast completion signal.
//
// A Latch starts open; Trip closes it exactly once, waking every current
// and future waiter. Waiters observe the trip either through the Done
// channel or through Wait. State published before Trip is visible to
// waiters after they observe the closed channel.
//
// The zero value is ready to use. A Latch must not be copied after first use.
type Latch struct {
	mu      sync.Mutex
	ch      chan struct{}
	tripped bool
}

func (l *Latch) channel() chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ch == nil {
		l.ch = make(chan struct{})
		if l.tripped {
			close(l.ch)
		}
	}
	return l.ch
}

// Trip fires the latch. Tripping an already-tripped latch is a no-op,
// so exactly-once completion must be enforced by the caller if required.
func (l *Latch) Trip() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tripped {
		return
	}
	l.tripped = true
	if l.ch != nil {
		close(l.ch)
	}
}

// Tripped reports whether the latch has fired.
func (l *Latch) Tripped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tripped
}

// Done returns a channel that is closed once the latch trips.
func (l *Latch) Done() <-chan struct{} {
	return l.channel()
}

// Wait blocks until the latch trips or the context is cancelled.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.channel():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
