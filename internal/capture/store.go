// Package capture keeps the in-memory ring of intercepted traffic.
// Entries live only for the life of the process; persistence is
// deliberately out of scope.
package capture

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config bounds the store.
type Config struct {
	// MaxEntries is the ring capacity.
	MaxEntries int

	// MaxBodySize bounds captured body text in bytes. Delivered bodies
	// are never truncated, only their captured snapshots.
	MaxBodySize int

	// CaptureRequestBodies and CaptureResponseBodies toggle body
	// snapshotting independently of header/metadata capture.
	CaptureRequestBodies  bool
	CaptureResponseBodies bool
}

// DefaultConfig returns the default capture limits.
func DefaultConfig() Config {
	return Config{
		MaxEntries:            1000,
		MaxBodySize:           64 * 1024,
		CaptureRequestBodies:  true,
		CaptureResponseBodies: true,
	}
}

// Store is a ring buffer of capture entries.
type Store struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
	head    int
	count   int
	paused  bool
	cfg     Config
}

// NewStore creates a store with the given config.
func NewStore(cfg Config) *Store {
	if cfg.MaxEntries < 1 {
		cfg.MaxEntries = 1000
	}
	return &Store{
		entries: make([]*Entry, cfg.MaxEntries),
		byID:    map[string]*Entry{},
		cfg:     cfg,
	}
}

// Config returns the current limits.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reconfigure applies new limits. Shrinking MaxEntries drops the oldest
// entries.
func (s *Store) Reconfigure(cfg Config) {
	if cfg.MaxEntries < 1 {
		cfg.MaxEntries = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.MaxEntries != s.cfg.MaxEntries {
		kept := s.newestLocked(cfg.MaxEntries)
		s.entries = make([]*Entry, cfg.MaxEntries)
		s.byID = map[string]*Entry{}
		s.head = 0
		s.count = 0
		for i := len(kept) - 1; i >= 0; i-- {
			s.insertLocked(kept[i])
		}
	}
	s.cfg = cfg
}

// SetPaused toggles capture. While paused, AddRequest is a no-op and
// completions for unknown ids are dropped silently.
func (s *Store) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

// Paused reports whether capture is paused.
func (s *Store) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// MaxBodySize returns the configured body snapshot bound.
func (s *Store) MaxBodySize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MaxBodySize
}

// AddRequest records the outgoing-request snapshot for a new call.
// Returns false while capture is paused.
func (s *Store) AddRequest(id string, req Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return false
	}
	if id == "" {
		id = uuid.New().String()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	if !s.cfg.CaptureRequestBodies {
		req.Body = req.Body.WithoutText()
	}
	s.insertLocked(&Entry{ID: id, Request: req})
	return true
}

// SetResponse completes an entry with its response snapshot. Unknown
// ids (captured while paused, or rotated out) are dropped.
func (s *Store) SetResponse(id string, resp Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return false
	}
	if !s.cfg.CaptureResponseBodies {
		resp.Body = ""
		resp.BodyTruncated = false
	}
	e.Response = &resp
	return true
}

// SetError completes an entry with a failure.
func (s *Store) SetError(id string, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return false
	}
	e.Error = errMsg
	return true
}

// Get returns a copy of the entry with the given id, or nil.
func (s *Store) Get(id string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id].Clone()
}

// List returns copies of the entries matching the filter, newest first.
func (s *Store) List(opts FilterOptions) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entry
	skipped := 0
	for i := 0; i < s.count; i++ {
		idx := (s.head - 1 - i + len(s.entries)) % len(s.entries)
		e := s.entries[idx]
		if e == nil || !matchesFilter(e, opts) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		result = append(result, e.Clone())
		if opts.Limit > 0 && len(result) >= opts.Limit {
			break
		}
	}
	return result
}

// All returns every entry, newest first.
func (s *Store) All() []*Entry {
	return s.List(FilterOptions{})
}

// Count returns the number of retained entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make([]*Entry, s.cfg.MaxEntries)
	s.byID = map[string]*Entry{}
	s.head = 0
	s.count = 0
}

// insertLocked writes an entry at the ring head, evicting the oldest.
func (s *Store) insertLocked(e *Entry) {
	if old := s.entries[s.head]; old != nil {
		delete(s.byID, old.ID)
	}
	s.entries[s.head] = e
	s.byID[e.ID] = e
	s.head = (s.head + 1) % len(s.entries)
	if s.count < len(s.entries) {
		s.count++
	}
}

// newestLocked returns up to n entries, newest first.
func (s *Store) newestLocked(n int) []*Entry {
	var out []*Entry
	for i := 0; i < s.count && len(out) < n; i++ {
		idx := (s.head - 1 - i + len(s.entries)) % len(s.entries)
		if s.entries[idx] != nil {
			out = append(out, s.entries[idx])
		}
	}
	return out
}

// Stats summarizes retained traffic.
type Stats struct {
	Total        int            `json:"total"`
	Mocked       int            `json:"mocked"`
	Errors       int            `json:"errors"`
	MethodCounts map[string]int `json:"methodCounts"`
	StatusCounts map[int]int    `json:"statusCounts"`
}

// Stats computes summary counts over the ring.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{MethodCounts: map[string]int{}, StatusCounts: map[int]int{}}
	for i := 0; i < s.count; i++ {
		idx := (s.head - 1 - i + len(s.entries)) % len(s.entries)
		e := s.entries[idx]
		if e == nil {
			continue
		}
		st.Total++
		st.MethodCounts[e.Request.Method]++
		if e.Error != "" {
			st.Errors++
		}
		if e.Response != nil {
			st.StatusCounts[e.Response.Status]++
			if e.Response.Mocked {
				st.Mocked++
			}
		}
	}
	return st
}
