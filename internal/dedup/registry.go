// Package dedup collapses concurrent pulls for the same key into a single
// outbound request.
//
// The first caller to ask for a key becomes the lead: it registers a pending
// entry and is the only caller that sends a network request. Callers arriving
// while the entry is in flight become followers and just wait on it. When the
// reply dispatcher resolves the entry, every waiter is released with the same
// result, and the last waiter to consume it retires the entry. A pull issued
// after retirement always starts a fresh round trip.
package dedup

import (
	"fmt"
	"sync"

	e "github.com/cachedb/cachedb/internal/errors"
)

type Role int

const (
	// RoleLead created the pending entry and must send the request.
	RoleLead Role = iota
	// RoleFollower joined an in-flight entry and only waits.
	RoleFollower
	// RoleResolved hit the window between resolution and retirement; the
	// result is available immediately without waiting.
	RoleResolved
)

func (r Role) String() string {
	switch r {
	case RoleLead:
		return "lead"
	case RoleFollower:
		return "follower"
	case RoleResolved:
		return "resolved"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// Pending is one outstanding deduplicated pull.
//
// resolution state and result are guarded by mu; the waiter count is guarded
// by the owning registry's lock. done is closed exactly once, when the entry
// resolves, and releases every waiter at once.
type Pending struct {
	key string

	done chan struct{}

	mu       sync.Mutex
	resolved bool
	val      []byte
	err      error

	waiters int
}

// Done is closed when the entry resolves, successfully or not.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the delivered value or failure. Only meaningful once the
// entry has resolved. The returned slice is shared between all waiters and
// must not be mutated.
func (p *Pending) Result() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.resolved {
		panic("logic error: reading result of unresolved pending pull")
	}
	return p.val, p.err
}

// resolve delivers the result and wakes all waiters. Reports whether this
// call performed the resolution. Caller must hold p.mu.
func (p *Pending) resolveLocked(val []byte, err error) bool {
	if p.resolved {
		return false
	}
	p.val = val
	p.err = err
	p.resolved = true
	close(p.done)
	return true
}

// Registry maps keys to their pending pulls. It is shared between all caller
// goroutines and the reply dispatcher of one connection.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*Pending),
	}
}

// Join registers the caller's interest in key and returns the entry together
// with the caller's role. Leads and followers are counted as waiters and must
// end the call with Release or Detach; RoleResolved callers read the result
// directly and hold no reference.
func (r *Registry) Join(key []byte) (*Pending, Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pending[string(key)]; ok {
		p.mu.Lock()
		resolved := p.resolved
		p.mu.Unlock()

		if resolved {
			return p, RoleResolved
		}

		p.waiters++
		return p, RoleFollower
	}

	p := &Pending{
		key:     string(key),
		done:    make(chan struct{}),
		waiters: 1,
	}
	r.pending[p.key] = p
	return p, RoleLead
}

// Resolve delivers a reply to the pending pull for key and wakes all its
// waiters. Reports false when there is no in-flight entry to deliver to (the
// entry was already resolved or retired, or the reply was unsolicited); such
// replies are discarded by the caller. The entry itself is retired by its
// last waiter, never here.
func (r *Registry) Resolve(key, val []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[string(key)]
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolveLocked(val, nil)
}

// Fail resolves p with err, releasing all its waiters. Used by a lead whose
// request never made it onto the wire.
func (r *Registry) Fail(p *Pending, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolveLocked(nil, err)
}

// FailAll resolves every in-flight entry with err. Called when the connection
// is no longer usable (read failure, desynchronized framing, close): leaving
// waiters blocked would starve them forever. Entries are still retired by
// their waiters as usual.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.pending {
		p.mu.Lock()
		p.resolveLocked(nil, err)
		p.mu.Unlock()
	}
}

// Release consumes the result for one waiter. The last waiter to release a
// resolved entry removes it from the registry, so a later pull for the same
// key starts a fresh round trip.
func (r *Registry) Release(p *Pending) ([]byte, error) {
	r.mu.Lock()
	p.waiters--
	if p.waiters == 0 {
		delete(r.pending, p.key)
	}
	r.mu.Unlock()

	return p.Result()
}

// Detach drops a waiter that gave up (deadline or cancellation) before the
// entry resolved. Other waiters are unaffected. If the detaching caller was
// the sole waiter, the entry is failed and retired so that a late reply is
// discarded instead of resolving an entry nobody is waiting on.
func (r *Registry) Detach(p *Pending) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.waiters--
	if p.waiters > 0 {
		return
	}

	delete(r.pending, p.key)

	p.mu.Lock()
	p.resolveLocked(nil, fmt.Errorf("%w: pull abandoned before reply", e.PeerFailure))
	p.mu.Unlock()
}

// Len returns the number of pending entries, for tests and metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending)
}
