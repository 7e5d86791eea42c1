// Package clock implements the swarm's single monotonic "pop8" clock: a
// timestamp the node only ever moves forward, driven by the dates embedded
// in blocks it receives rather than its own local clock.
package clock

import "sync/atomic"

// EncodePop8 derives the domain-specific "swarm time" used for pop8_block_time
// from a UTC millisecond timestamp. The original firmware (original_source/
// main/repo.h, field "stored_at /* Wonky swarmtime */") leaves the exact
// derivation unspecified beyond "monotonic in UTC"; this module uses UTC
// milliseconds directly; it is the encoding that satisfies the invariant
// (monotonic, derived from UTC) without inventing additional domain meaning.
func EncodePop8(utcMs uint64) uint64 {
	return utcMs
}

// Clock is the swarm's advisory clock. The zero value is ready to use and
// starts at 0. It is safe for concurrent use; Bump is expected to be called
// from the session engine on every accepted block, and Now read from
// anywhere else.
type Clock struct {
	pop8 atomic.Uint64
}

// New returns a Clock starting at time zero.
func New() *Clock {
	return &Clock{}
}

// Bump advances pop8_block_time to max(current, EncodePop8(utcMs)). It never
// moves the clock backward.
func (c *Clock) Bump(utcMs uint64) {
	next := EncodePop8(utcMs)
	for {
		cur := c.pop8.Load()
		if next <= cur {
			return
		}
		if c.pop8.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Now returns the current pop8_block_time.
func (c *Clock) Now() uint64 {
	return c.pop8.Load()
}
