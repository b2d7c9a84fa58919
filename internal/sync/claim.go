// Package sync provides thread-safe synchronization primitives.
//
// The bucket catalog's commit protocol is built on two one-shot primitives:
// Claim elects a single winner among concurrent contenders, and Latch
// broadcasts a completion event to any number of waiters.
package sync

import (
	"sync/atomic"
)

// Claim is a single-assignment flag: Acquire returns true to exactly one
// caller over the Claim's lifetime, false to everyone else.
//
// Unlike a mutex there is no release; a Claim models a permission that,
// once granted, is never handed back. Claim is safe for concurrent use
// and must not be copied after first use.
type Claim struct {
	claimed atomic.Bool
}

// Acquire attempts to take the claim. It returns true if this caller won,
// false if the claim was already taken.
func (c *Claim) Acquire() bool {
	return c.claimed.CompareAndSwap(false, true)
}

// Taken reports whether the claim has been acquired by anyone.
func (c *Claim) Taken() bool {
	return c.claimed.Load()
}
