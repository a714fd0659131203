// Package engine ties the interception core together: capture ring,
// rule sets, suspension registry, and the command/event protocol that
// drives them from an external controller.
package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/breakwire/breakwire/internal/breakpoint"
	"github.com/breakwire/breakwire/internal/capture"
	"github.com/breakwire/breakwire/internal/rules"
)

// Config holds engine-level settings.
type Config struct {
	Capture capture.Config

	// ExcludeHosts are wildcard host patterns that bypass the engine
	// entirely: no capture, no breakpoints, no mocks.
	ExcludeHosts []string

	// ExcludeURLPrefixes bypass matching URLs the same way. The control
	// endpoint's own address belongs here so the engine never
	// intercepts its own plumbing.
	ExcludeURLPrefixes []string

	// EventWorkers bounds the listener fan-out pool.
	EventWorkers int
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		Capture:      capture.DefaultConfig(),
		EventWorkers: 8,
	}
}

// Engine is the interception hub shared by both interceptors.
type Engine struct {
	log      zerolog.Logger
	store    *capture.Store
	registry *breakpoint.Registry
	bpRules  *rules.BreakpointSet
	mocks    *rules.MockSet
	pool     *ants.Pool

	mu           sync.RWMutex
	cfg          Config
	listeners    map[int]Listener
	nextListener int
	closed       bool
}

// New creates an engine. The worker pool failing to initialize falls
// back to inline event delivery.
func New(cfg Config, log zerolog.Logger) *Engine {
	if cfg.EventWorkers <= 0 {
		cfg.EventWorkers = 8
	}
	pool, err := ants.NewPool(cfg.EventWorkers, ants.WithNonblocking(true))
	if err != nil {
		log.Warn().Err(err).Msg("event pool unavailable, delivering inline")
		pool = nil
	}

	e := &Engine{
		log:       log,
		store:     capture.NewStore(cfg.Capture),
		registry:  breakpoint.New(),
		bpRules:   rules.NewBreakpointSet(),
		mocks:     rules.NewMockSet(),
		pool:      pool,
		cfg:       cfg,
		listeners: make(map[int]Listener),
	}
	// Hit notifications are delivered inline so observers see the
	// paused call before anyone can act on it.
	e.registry.OnHit(func(id string, snap breakpoint.Snapshot) {
		e.emitSync(Event{
			Type:      EventBreakpointHit,
			RequestID: id,
			RuleID:    snap.RuleID,
			Trigger:   snap.Trigger,
			Snapshot:  &snap,
		})
	})
	return e
}

// Store exposes the capture ring.
func (e *Engine) Store() *capture.Store { return e.store }

// Registry exposes the suspension registry.
func (e *Engine) Registry() *breakpoint.Registry { return e.registry }

// Subscribe registers an event listener and returns its unsubscribe
// function.
func (e *Engine) Subscribe(l Listener) func() {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = l
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// emit fans an event out to every listener through the worker pool.
// Delivery never blocks an intercepted call: when the pool is saturated
// the event is delivered inline as a degrade path.
func (e *Engine) emit(ev Event) {
	ev.Timestamp = time.Now().UnixMilli()

	listeners, closed := e.snapshotListeners()
	if closed {
		return
	}

	for _, l := range listeners {
		l := l
		if e.pool != nil {
			if err := e.pool.Submit(func() { l(ev) }); err == nil {
				continue
			}
		}
		l(ev)
	}
}

func (e *Engine) snapshotListeners() ([]Listener, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		out = append(out, l)
	}
	return out, e.closed
}

// emitSync delivers an event to every listener on the calling
// goroutine.
func (e *Engine) emitSync(ev Event) {
	ev.Timestamp = time.Now().UnixMilli()

	listeners, closed := e.snapshotListeners()
	if closed {
		return
	}
	for _, l := range listeners {
		l(ev)
	}
}

// Excluded reports whether a call bypasses the engine: OPTIONS
// preflights and configured host/prefix exclusions.
func (e *Engine) Excluded(method, rawURL string) bool {
	if strings.EqualFold(method, "OPTIONS") {
		return true
	}

	e.mu.RLock()
	hosts := e.cfg.ExcludeHosts
	prefixes := e.cfg.ExcludeURLPrefixes
	e.mu.RUnlock()

	for _, p := range prefixes {
		if strings.HasPrefix(rawURL, p) {
			return true
		}
	}
	for _, h := range hosts {
		if (rules.URLPattern{Host: h}).Matches(rawURL) {
			return true
		}
	}
	return false
}

// MatchMock returns the active mock rule for the call, or nil.
func (e *Engine) MatchMock(rawURL, method string) *rules.MockRule {
	return e.mocks.Match(rawURL, method)
}

// MatchBreakpoint returns the active breakpoint rule for the phase,
// or nil.
func (e *Engine) MatchBreakpoint(rawURL string, t rules.Trigger) *rules.BreakpointRule {
	return e.bpRules.Match(rawURL, t)
}

// Suspend pauses a call and notifies observers. The interceptor awaits
// the returned handle.
func (e *Engine) Suspend(requestID string, snap breakpoint.Snapshot) *breakpoint.Pending {
	e.log.Debug().Str("requestId", requestID).Str("rule", snap.RuleID).
		Str("trigger", string(snap.Trigger)).Str("url", snap.URL).Msg("breakpoint hit")
	return e.registry.Suspend(requestID, snap.Trigger, snap)
}

// CaptureRequest records a request snapshot and emits request-captured.
// No-op while capture is paused.
func (e *Engine) CaptureRequest(id string, req capture.Request) {
	if !e.store.AddRequest(id, req) {
		return
	}
	e.emit(Event{Type: EventRequestCaptured, RequestID: id, Entry: e.store.Get(id)})
}

// CaptureResponse completes an entry and emits response-captured.
func (e *Engine) CaptureResponse(id string, resp capture.Response) {
	if !e.store.SetResponse(id, resp) {
		return
	}
	e.emit(Event{Type: EventResponseCaptured, RequestID: id, Entry: e.store.Get(id)})
}

// CaptureError completes an entry with a failure and emits
// error-captured.
func (e *Engine) CaptureError(id string, err error) {
	if err == nil {
		return
	}
	if !e.store.SetError(id, err.Error()) {
		return
	}
	e.emit(Event{Type: EventErrorCaptured, RequestID: id, Entry: e.store.Get(id)})
}

// MockApplied emits mock-applied for a short-circuited call.
func (e *Engine) MockApplied(requestID, ruleID string) {
	e.log.Debug().Str("requestId", requestID).Str("rule", ruleID).Msg("mock applied")
	e.emit(Event{Type: EventMockApplied, RequestID: requestID, RuleID: ruleID})
}

// MaxBodySize returns the capture body bound.
func (e *Engine) MaxBodySize() int { return e.store.MaxBodySize() }

// --- inbound command surface ---

// PauseCapture pauses or resumes traffic capture.
func (e *Engine) PauseCapture(paused bool) {
	e.store.SetPaused(paused)
	e.log.Info().Bool("paused", paused).Msg("capture toggled")
}

// ClearCaptures drops every captured entry.
func (e *Engine) ClearCaptures() {
	e.store.Clear()
}

// UpdateCaptureConfig applies new capture limits.
func (e *Engine) UpdateCaptureConfig(cfg capture.Config) {
	e.store.Reconfigure(cfg)
	e.mu.Lock()
	e.cfg.Capture = cfg
	e.mu.Unlock()
	e.log.Info().Int("maxEntries", cfg.MaxEntries).Int("maxBodySize", cfg.MaxBodySize).Msg("capture config updated")
}

// SyncBreakpointRules replaces the active breakpoint rule set.
func (e *Engine) SyncBreakpointRules(rs []rules.BreakpointRule) error {
	if err := e.bpRules.Replace(rs); err != nil {
		return fmt.Errorf("sync breakpoint rules: %w", err)
	}
	e.log.Info().Int("count", len(rs)).Msg("breakpoint rules synced")
	return nil
}

// SyncMockRules replaces the active mock rule set.
func (e *Engine) SyncMockRules(rs []rules.MockRule) error {
	if err := e.mocks.Replace(rs); err != nil {
		return fmt.Errorf("sync mock rules: %w", err)
	}
	e.log.Info().Int("count", len(rs)).Msg("mock rules synced")
	return nil
}

// BreakpointRules returns the active breakpoint rule set.
func (e *Engine) BreakpointRules() []rules.BreakpointRule { return e.bpRules.Rules() }

// MockRules returns the active mock rule set.
func (e *Engine) MockRules() []rules.MockRule { return e.mocks.Rules() }

// ResumeBreakpoint resumes a suspended call, optionally with
// modifications, and emits breakpoint-resumed.
func (e *Engine) ResumeBreakpoint(requestID string, mods *rules.Modifications) bool {
	ok := e.registry.Resume(requestID, mods)
	e.emit(Event{Type: EventBreakpointResumed, RequestID: requestID, Success: ok})
	return ok
}

// CancelBreakpoint rejects a suspended call and emits
// breakpoint-cancelled.
func (e *Engine) CancelBreakpoint(requestID string) bool {
	ok := e.registry.Cancel(requestID)
	e.emit(Event{Type: EventBreakpointCancelled, RequestID: requestID, Success: ok})
	return ok
}

// Close force-rejects every pending breakpoint and releases the event
// pool. The engine must not be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.registry.DisposeAll()
	if e.pool != nil {
		e.pool.Release()
	}
	return nil
}
