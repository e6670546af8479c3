// Package router implements the rendezvous queue (spec §4.5): the pair of
// FIFOs that match host-emitted messages with waiting client pollers. It
// is grounded on the teacher's mutex-guarded map pattern (detect.Detector)
// generalized from "a map of time slices" to "a pair of ordered queues".
package router

import (
	"context"
	"errors"
	"sync"

	"github.com/kaidoh/stp-proxy/wire"
)

// ErrTimeout is returned by NextMessage when a poller's deadline passes
// with nothing delivered.
var ErrTimeout = errors.New("router: poll timed out")

// ErrConnectionReset is delivered to a parked poller when the host socket
// closes out from under it (§5 cancellation/timeouts).
var ErrConnectionReset = errors.New("router: host connection reset")

// ErrPollerAlreadyParked is a logic error: the design assumes a single
// client, so at most one poller may be parked at a time (§4.5).
var ErrPollerAlreadyParked = errors.New("router: a poller is already parked")

type poller struct {
	deliver chan result
}

type result struct {
	msg wire.Message
	err error
}

// Rendezvous pairs host messages with client pollers. The zero value is
// not usable; construct with New.
type Rendezvous struct {
	mu              sync.Mutex
	pendingMessages []wire.Message
	pendingPoller   *poller
}

// New returns an empty Rendezvous queue.
func New() *Rendezvous {
	return &Rendezvous{}
}

// Deliver hands a host-emitted message to the router. If a poller is
// parked, it is popped and served immediately; otherwise the message is
// buffered in FIFO order for the next NextMessage call. Proxy-originated
// replies must never reach this method — the caller is expected to have
// already offered the message to the tag allocator and only call Deliver
// when it was declined (spec §4.5 rule 1).
func (r *Rendezvous) Deliver(msg wire.Message) {
	r.mu.Lock()
	p := r.pendingPoller
	r.pendingPoller = nil
	if p == nil {
		r.pendingMessages = append(r.pendingMessages, msg)
	}
	r.mu.Unlock()

	if p != nil {
		p.deliver <- result{msg: msg}
	}
}

// NextMessage is the client's "get next message" operation. If a message
// is already buffered, it is returned immediately. Otherwise the call
// parks until one arrives, the context is canceled, or the deadline
// implied by ctx expires, whichever comes first.
//
// It is a logic error to call NextMessage again while a previous call from
// the same Rendezvous is still parked (ErrPollerAlreadyParked) — the
// design assumes a single client.
func (r *Rendezvous) NextMessage(ctx context.Context) (wire.Message, error) {
	r.mu.Lock()
	if len(r.pendingMessages) > 0 {
		msg := r.pendingMessages[0]
		r.pendingMessages = r.pendingMessages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	if r.pendingPoller != nil {
		r.mu.Unlock()
		return wire.Message{}, ErrPollerAlreadyParked
	}

	p := &poller{deliver: make(chan result, 1)}
	r.pendingPoller = p
	r.mu.Unlock()

	select {
	case res := <-p.deliver:
		return res.msg, res.err
	case <-ctx.Done():
		r.removeIfStillParked(p)
		return wire.Message{}, ErrTimeout
	}
}

// removeIfStillParked drops p from pendingPoller if it is still there
// (nobody delivered to it yet), implementing the timeout/close removal
// rule of §4.5 and §5.
func (r *Rendezvous) removeIfStillParked(p *poller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingPoller == p {
		r.pendingPoller = nil
	}
}

// Reset closes out any parked poller with a connection-reset error and
// drops all buffered messages, matching the host-close behavior of §5:
// "closing the host socket resets all session state and serves a
// connection-error response to any parked poller."
func (r *Rendezvous) Reset() {
	r.mu.Lock()
	p := r.pendingPoller
	r.pendingPoller = nil
	r.pendingMessages = nil
	r.mu.Unlock()

	if p != nil {
		p.deliver <- result{err: ErrConnectionReset}
	}
}

// PendingMessageCount and HasParkedPoller support the invariant check in
// spec §8 property 3: at every loop tick, the two FIFOs are never both
// non-empty.
func (r *Rendezvous) PendingMessageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingMessages)
}

// HasParkedPoller reports whether a poller is currently parked.
func (r *Rendezvous) HasParkedPoller() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingPoller != nil
}
