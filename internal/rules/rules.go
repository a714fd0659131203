// Package rules defines the breakpoint and mock rule model, the URL
// pattern matcher, and the thread-safe rule sets the interceptors
// evaluate on every call.
package rules

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Trigger identifies which phase of a call a breakpoint rule pauses.
type Trigger string

const (
	TriggerRequest  Trigger = "request"
	TriggerResponse Trigger = "response"
	TriggerBoth     Trigger = "both"
)

// Header is an ordered name/value pair. Names are kept exactly as
// captured or configured, never case-normalized.
type Header struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// QueryParam is one key/value pair of a URL query string.
type QueryParam struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// URLPattern holds the wildcard URL-matching fields shared by breakpoint
// and mock rules. Empty fields match anything.
type URLPattern struct {
	Scheme string `json:"scheme,omitempty" yaml:"scheme,omitempty"`
	Host   string `json:"host,omitempty" yaml:"host,omitempty"`
	Port   string `json:"port,omitempty" yaml:"port,omitempty"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	Query  string `json:"query,omitempty" yaml:"query,omitempty"`
}

// BreakpointRule pauses a matching call at its request and/or response
// phase until an external controller resumes or cancels it.
type BreakpointRule struct {
	URLPattern `yaml:",inline"`

	ID      string  `json:"id" yaml:"id" validate:"required"`
	Trigger Trigger `json:"trigger" yaml:"trigger" validate:"required,oneof=request response both"`
	Enabled bool    `json:"enabled" yaml:"enabled"`
}

// AppliesTo reports whether the rule can pause the given phase.
// Disabled rules and non-matching triggers never pause anything.
func (r *BreakpointRule) AppliesTo(t Trigger) bool {
	if !r.Enabled {
		return false
	}
	return r.Trigger == TriggerBoth || r.Trigger == t
}

// MockRule replaces a matching call's network round trip with a
// synthetic response. No bytes are sent for a mocked call.
type MockRule struct {
	URLPattern `yaml:",inline"`

	ID      string `json:"id" yaml:"id" validate:"required"`
	Method  string `json:"method,omitempty" yaml:"method,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	Status     int               `json:"status,omitempty" yaml:"status,omitempty" validate:"omitempty,min=100,max=599"`
	StatusText string            `json:"statusText,omitempty" yaml:"statusText,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body       string            `json:"body,omitempty" yaml:"body,omitempty"`
	DelayMS    int               `json:"delayMs,omitempty" yaml:"delayMs,omitempty" validate:"min=0"`
}

// RequestModifications carries field-level edits applied when a request
// breakpoint is resumed. Nil fields mean "unchanged". An empty non-nil
// QueryParams slice clears every query parameter.
type RequestModifications struct {
	Method      *string       `json:"method,omitempty"`
	Scheme      *string       `json:"scheme,omitempty"`
	Host        *string       `json:"host,omitempty"`
	Path        *string       `json:"path,omitempty"`
	QueryParams *[]QueryParam `json:"queryParams,omitempty"`
	Headers     *[]Header     `json:"headers,omitempty"`
	Body        *string       `json:"body,omitempty"`
}

// ResponseModifications carries field-level edits applied when a
// response breakpoint is resumed. Nil fields mean "unchanged".
type ResponseModifications struct {
	Status     *int      `json:"status,omitempty"`
	StatusText *string   `json:"statusText,omitempty"`
	Headers    *[]Header `json:"headers,omitempty"`
	Body       *string   `json:"body,omitempty"`
}

// Modifications is the payload a resume command may carry. Only the half
// matching the paused phase is applied.
type Modifications struct {
	Request  *RequestModifications  `json:"request,omitempty"`
	Response *ResponseModifications `json:"response,omitempty"`
}

var validate = validator.New()

// ValidateBreakpointRule checks a single breakpoint rule.
func ValidateBreakpointRule(r *BreakpointRule) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("breakpoint rule %q: %w", r.ID, err)
	}
	return nil
}

// ValidateMockRule checks a single mock rule.
func ValidateMockRule(r *MockRule) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("mock rule %q: %w", r.ID, err)
	}
	return nil
}

// BreakpointSet is the active breakpoint rule set. Replace swaps the
// whole set atomically; Match evaluates a URL against it.
type BreakpointSet struct {
	mu    sync.RWMutex
	rules []BreakpointRule
}

// NewBreakpointSet creates an empty breakpoint rule set.
func NewBreakpointSet() *BreakpointSet {
	return &BreakpointSet{}
}

// Replace validates and installs a new rule set. On validation failure
// the previous set stays active.
func (s *BreakpointSet) Replace(rs []BreakpointRule) error {
	for i := range rs {
		if err := ValidateBreakpointRule(&rs[i]); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.rules = rs
	s.mu.Unlock()
	return nil
}

// Match returns the first enabled rule whose pattern matches the URL and
// whose trigger covers the given phase, or nil.
func (s *BreakpointSet) Match(rawURL string, t Trigger) *BreakpointRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.rules {
		r := &s.rules[i]
		if !r.AppliesTo(t) {
			continue
		}
		if r.URLPattern.Matches(rawURL) {
			out := *r
			return &out
		}
	}
	return nil
}

// Rules returns a copy of the active rule set.
func (s *BreakpointSet) Rules() []BreakpointRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BreakpointRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// MockSet is the active mock rule set.
type MockSet struct {
	mu    sync.RWMutex
	rules []MockRule
}

// NewMockSet creates an empty mock rule set.
func NewMockSet() *MockSet {
	return &MockSet{}
}

// Replace validates and installs a new rule set. On validation failure
// the previous set stays active.
func (s *MockSet) Replace(rs []MockRule) error {
	for i := range rs {
		if err := ValidateMockRule(&rs[i]); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.rules = rs
	s.mu.Unlock()
	return nil
}

// Match returns the first enabled rule matching both URL and method,
// or nil.
func (s *MockSet) Match(rawURL, method string) *MockRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.rules {
		r := &s.rules[i]
		if !r.Enabled {
			continue
		}
		if !MatchesMethod(method, r.Method) {
			continue
		}
		if r.URLPattern.Matches(rawURL) {
			out := *r
			return &out
		}
	}
	return nil
}

// Rules returns a copy of the active rule set.
func (s *MockSet) Rules() []MockRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MockRule, len(s.rules))
	copy(out, s.rules)
	return out
}
