// Package coalesce deduplicates concurrent outbound operations by logical key:
// at most one execution is in flight per key, and its result fans out to every
// caller that joined while it was pending.
package coalesce

import (
	"sync"

	"github.com/subwise/subwise-go/internal/dispatch"
)

// Coalescer maps keys to in-flight calls. The entry for a key exists only for
// the lifetime of the underlying execution: it is removed the instant the call
// completes, so a later request for the same key starts fresh. Results are
// never cached.
type Coalescer[R any] struct {
	mu      sync.Mutex
	waiters map[string][]func(R, error)
	pending map[string]*dispatch.Scheduled
	d       *dispatch.Dispatcher

	// OnHit/OnMiss observe join-vs-dispatch decisions (metrics). May be nil.
	OnHit  func()
	OnMiss func()
}

// New returns a coalescer executing operations on the given dispatcher.
func New[R any](d *dispatch.Dispatcher) *Coalescer[R] {
	return &Coalescer[R]{
		waiters: make(map[string][]func(R, error)),
		pending: make(map[string]*dispatch.Scheduled),
		d:       d,
	}
}

// Execute runs op for key unless a call for the same key is already in flight,
// in which case onResult simply joins that call's waiter list. Waiters are
// notified in registration order with the identical result. A DelayNone join
// promotes a still-delayed pending call to immediate dispatch, so a foreground
// caller is never stuck behind a background scheduling delay.
//
// The lock guards only map mutation; it is never held across op.
func (c *Coalescer[R]) Execute(
	key string,
	delay dispatch.Delay,
	op func() (R, error),
	onResult func(R, error),
) {
	c.mu.Lock()
	if _, inFlight := c.waiters[key]; inFlight {
		c.waiters[key] = append(c.waiters[key], onResult)
		scheduled := c.pending[key]
		c.mu.Unlock()
		if c.OnHit != nil {
			c.OnHit()
		}
		if delay == dispatch.DelayNone && scheduled != nil {
			scheduled.Promote()
		}
		return
	}
	c.waiters[key] = []func(R, error){onResult}
	c.mu.Unlock()
	if c.OnMiss != nil {
		c.OnMiss()
	}

	scheduled := c.d.Enqueue(func() {
		value, err := op()
		c.mu.Lock()
		ws := c.waiters[key]
		delete(c.waiters, key)
		delete(c.pending, key)
		c.mu.Unlock()
		for _, w := range ws {
			w(value, err)
		}
	}, delay)

	c.mu.Lock()
	// The call may already have completed (synchronous dispatcher or a very
	// fast worker); only remember the handle while waiters still exist.
	if _, inFlight := c.waiters[key]; inFlight {
		c.pending[key] = scheduled
	}
	c.mu.Unlock()
}

// InFlight reports whether a call for key is currently pending. Test helper.
func (c *Coalescer[R]) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.waiters[key]
	return ok
}
