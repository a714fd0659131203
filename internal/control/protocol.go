// Package control exposes the engine over a WebSocket endpoint: JSON
// command frames in, acks and engine events out. A TUI, browser panel,
// or script drives breakpoints and rule sets through it.
package control

import (
	"encoding/json"

	"github.com/breakwire/breakwire/internal/capture"
	"github.com/breakwire/breakwire/internal/engine"
	"github.com/breakwire/breakwire/internal/rules"
)

// CommandName enumerates the inbound commands.
type CommandName string

const (
	CmdPauseCapture        CommandName = "pause-capture"
	CmdResumeCapture       CommandName = "resume-capture"
	CmdClearCaptures       CommandName = "clear-captures"
	CmdUpdateConfig        CommandName = "update-config"
	CmdSyncBreakpointRules CommandName = "sync-breakpoint-rules"
	CmdSyncMockRules       CommandName = "sync-mock-rules"
	CmdResumeBreakpoint    CommandName = "resume-breakpoint"
	CmdCancelBreakpoint    CommandName = "cancel-breakpoint"
	CmdListCaptures        CommandName = "list-captures"
	CmdListPending         CommandName = "list-pending"
	CmdStats               CommandName = "stats"
)

// Command is one inbound frame.
type Command struct {
	ID      string          `json:"id"`
	Command CommandName     `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SyncBreakpointRulesPayload carries a full breakpoint rule set.
type SyncBreakpointRulesPayload struct {
	Rules []rules.BreakpointRule `json:"rules"`
}

// SyncMockRulesPayload carries a full mock rule set.
type SyncMockRulesPayload struct {
	Rules []rules.MockRule `json:"rules"`
}

// ResumeBreakpointPayload resumes one suspended call.
type ResumeBreakpointPayload struct {
	RequestID     string               `json:"requestId"`
	Modifications *rules.Modifications `json:"modifications,omitempty"`
}

// CancelBreakpointPayload rejects one suspended call.
type CancelBreakpointPayload struct {
	RequestID string `json:"requestId"`
}

// UpdateConfigPayload replaces the capture limits.
type UpdateConfigPayload struct {
	Capture capture.Config `json:"capture"`
}

// ListCapturesPayload filters the capture listing.
type ListCapturesPayload struct {
	Method     string `json:"method,omitempty"`
	Host       string `json:"host,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusMin  int    `json:"statusMin,omitempty"`
	StatusMax  int    `json:"statusMax,omitempty"`
	Search     string `json:"search,omitempty"`
	MockedOnly bool   `json:"mockedOnly,omitempty"`
	ErrorsOnly bool   `json:"errorsOnly,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

func (p ListCapturesPayload) filter() capture.FilterOptions {
	return capture.FilterOptions{
		Method:     p.Method,
		Host:       p.Host,
		Path:       p.Path,
		StatusMin:  p.StatusMin,
		StatusMax:  p.StatusMax,
		Search:     p.Search,
		MockedOnly: p.MockedOnly,
		ErrorsOnly: p.ErrorsOnly,
		Limit:      p.Limit,
		Offset:     p.Offset,
	}
}

// Frame kinds for outbound traffic.
const (
	FrameAck   = "ack"
	FrameEvent = "event"
)

// Ack answers one command.
type Ack struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// EventFrame pushes one engine event to the controller.
type EventFrame struct {
	Type  string       `json:"type"`
	Event engine.Event `json:"event"`
}
