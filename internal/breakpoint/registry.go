// Package breakpoint implements the suspension registry: the table of
// in-flight paused calls awaiting an external resume or cancel. It is
// the only shared mutable state in the interception core.
package breakpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/breakwire/breakwire/internal/bodyutil"
	"github.com/breakwire/breakwire/internal/rules"
)

// ErrCancelled is returned from Wait when a pending breakpoint is
// cancelled. Interceptors surface it exactly like a network failure.
var ErrCancelled = errors.New("breakpoint cancelled")

// Snapshot is what observers see when a call pauses: the full state of
// the phase being held.
type Snapshot struct {
	RuleID  string        `json:"ruleId"`
	Trigger rules.Trigger `json:"trigger"`
	Method  string        `json:"method"`
	URL     string        `json:"url"`

	RequestHeaders []rules.Header          `json:"requestHeaders,omitempty"`
	RequestBody    bodyutil.SerializedBody `json:"requestBody,omitempty"`

	Status          int            `json:"status,omitempty"`
	StatusText      string         `json:"statusText,omitempty"`
	ResponseHeaders []rules.Header `json:"responseHeaders,omitempty"`
	ResponseBody    string         `json:"responseBody,omitempty"`
}

// HitFunc is notified synchronously when a call suspends, before anyone
// can act on it.
type HitFunc func(requestID string, snap Snapshot)

type outcome struct {
	mods *rules.Modifications
	err  error
}

// Pending is the external completion handle for one suspended call.
type Pending struct {
	id      string
	trigger rules.Trigger
	created time.Time
	reg     *Registry
	ch      chan outcome
}

// Info describes one suspended call for observers.
type Info struct {
	RequestID string        `json:"requestId"`
	Trigger   rules.Trigger `json:"trigger"`
	Since     time.Time     `json:"since"`
}

// Registry tracks pending breakpoints keyed by request id.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending
	onHit   HitFunc
	closed  bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{pending: make(map[string]*Pending)}
}

// OnHit installs the breakpoint-hit callback. It is invoked
// synchronously from Suspend.
func (r *Registry) OnHit(fn HitFunc) {
	r.mu.Lock()
	r.onHit = fn
	r.mu.Unlock()
}

// Suspend registers a pending entry for the request id and notifies the
// hit callback. The returned handle's Wait blocks until Resume, Cancel,
// or context cancellation. A second Suspend for an id still pending
// cancels the earlier entry first.
func (r *Registry) Suspend(requestID string, trigger rules.Trigger, snap Snapshot) *Pending {
	p := &Pending{
		id:      requestID,
		trigger: trigger,
		created: time.Now(),
		reg:     r,
		ch:      make(chan outcome, 1),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		p.ch <- outcome{err: ErrCancelled}
		return p
	}
	if prev, ok := r.pending[requestID]; ok {
		prev.ch <- outcome{err: ErrCancelled}
	}
	r.pending[requestID] = p
	hit := r.onHit
	r.mu.Unlock()

	if hit != nil {
		hit(requestID, snap)
	}
	return p
}

// Wait blocks until the pending entry resolves. Cancellation of the
// caller's context counts as a cancel: the entry is removed and
// ErrCancelled is returned so the call fails the same way an aborted
// network call would.
func (p *Pending) Wait(ctx context.Context) (*rules.Modifications, error) {
	select {
	case out := <-p.ch:
		return out.mods, out.err
	case <-ctx.Done():
		p.reg.Cancel(p.id)
		// Drain the raced resolution, if any, so nothing dangles.
		select {
		case <-p.ch:
		default:
		}
		return nil, ErrCancelled
	}
}

// Trigger returns the phase this entry is holding.
func (p *Pending) Trigger() rules.Trigger { return p.trigger }

// Resume resolves a pending entry with optional modifications. Returns
// false when no entry exists for the id; resolving the same id twice is
// a no-op.
func (r *Registry) Resume(requestID string, mods *rules.Modifications) bool {
	p := r.take(requestID)
	if p == nil {
		return false
	}
	p.ch <- outcome{mods: mods}
	return true
}

// Cancel rejects a pending entry. Returns false when no entry exists.
func (r *Registry) Cancel(requestID string) bool {
	p := r.take(requestID)
	if p == nil {
		return false
	}
	p.ch <- outcome{err: ErrCancelled}
	return true
}

// take removes and returns the entry for an id. Removal under the lock
// is what makes resume/cancel idempotent.
func (r *Registry) take(requestID string) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[requestID]
	if !ok {
		return nil
	}
	delete(r.pending, requestID)
	return p
}

// Pending lists the currently suspended calls.
func (r *Registry) Pending() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.pending))
	for id, p := range r.pending {
		out = append(out, Info{RequestID: id, Trigger: p.trigger, Since: p.created})
	}
	return out
}

// Len returns the number of suspended calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// DisposeAll rejects every outstanding entry and marks the registry
// closed. Used at teardown so no pending breakpoint can hang.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, p := range r.pending {
		p.ch <- outcome{err: ErrCancelled}
		delete(r.pending, id)
	}
}
