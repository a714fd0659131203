package engine

import (
	"github.com/breakwire/breakwire/internal/breakpoint"
	"github.com/breakwire/breakwire/internal/capture"
	"github.com/breakwire/breakwire/internal/rules"
)

// EventType enumerates the outbound events the engine emits.
type EventType string

const (
	EventRequestCaptured     EventType = "request-captured"
	EventResponseCaptured    EventType = "response-captured"
	EventErrorCaptured       EventType = "error-captured"
	EventBreakpointHit       EventType = "breakpoint-hit"
	EventMockApplied         EventType = "mock-applied"
	EventBreakpointResumed   EventType = "breakpoint-resumed"
	EventBreakpointCancelled EventType = "breakpoint-cancelled"
)

// Event is one outbound notification. Only the fields relevant to the
// type are set.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	RequestID string        `json:"requestId,omitempty"`
	RuleID    string        `json:"ruleId,omitempty"`
	Trigger   rules.Trigger `json:"trigger,omitempty"`
	Success   bool          `json:"success,omitempty"`

	Entry    *capture.Entry       `json:"entry,omitempty"`
	Snapshot *breakpoint.Snapshot `json:"snapshot,omitempty"`
}

// Listener receives engine events. Listeners run on the engine's worker
// pool and must not block indefinitely.
type Listener func(Event)
