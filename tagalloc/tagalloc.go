// Package tagalloc assigns unique STP/1 tags to proxy-originated requests
// and routes their replies back to the issuing callback, without
// disturbing client-originated traffic (spec §4.6).
package tagalloc

import (
	"sync"

	"github.com/kaidoh/stp-proxy/wire"
)

// Callback receives the full reply message for a tagged request. It is
// called at most once, and the tag table entry is removed before the
// callback runs so the callback may itself allocate new tags.
type Callback func(wire.Message)

// Allocator is the tag -> callback table. Zero value is usable.
type Allocator struct {
	mu      sync.Mutex
	pending map[uint32]Callback
}

// New returns a ready-to-use Allocator.
func New() *Allocator {
	return &Allocator{pending: make(map[uint32]Callback)}
}

// Register allocates the lowest unoccupied tag starting at 1, files cb
// under it, and returns the tag to use on the outgoing request.
func (a *Allocator) Register(cb Callback) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending == nil {
		a.pending = make(map[uint32]Callback)
	}
	var tag uint32 = 1
	for {
		if _, taken := a.pending[tag]; !taken {
			break
		}
		tag++
	}
	a.pending[tag] = cb
	return tag
}

// Dispatch looks up msg.Tag. If a callback is registered for it, the entry
// is removed and the callback is invoked with msg; Dispatch returns true.
// Otherwise it returns false and the router should treat msg as
// client-bound (the tag wasn't one the allocator issued, or tag 0, which
// is never allocated).
func (a *Allocator) Dispatch(msg wire.Message) bool {
	if msg.Tag == 0 {
		return false
	}

	a.mu.Lock()
	cb, ok := a.pending[msg.Tag]
	if ok {
		delete(a.pending, msg.Tag)
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	cb(msg)
	return true
}

// Pending reports the number of outstanding (unanswered) registrations.
// Tests use this to catch a leaked entry: a registered tag that never got
// a reply indicates a missing host response (§5 resource discipline).
func (a *Allocator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Reset clears all pending registrations, e.g. on host socket close.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = make(map[uint32]Callback)
}
