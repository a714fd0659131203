package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/breakwire/breakwire/internal/engine"
	"github.com/breakwire/breakwire/internal/rules"
)

var (
	// ErrClientClosed is returned when the client connection is closed.
	ErrClientClosed = errors.New("control client closed")
	// ErrCommandTimeout is returned when an ack does not arrive in time.
	ErrCommandTimeout = errors.New("command timed out")
)

// Client is a Go controller for the control endpoint. Commands are
// request/ack; engine events arrive on the Events channel.
type Client struct {
	ws *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan Ack
	closed  bool

	events    chan engine.Event
	closeChan chan struct{}
}

// Dial connects to a control endpoint, e.g.
// "ws://127.0.0.1:8889/control".
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, endpoint, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c := &Client{
		ws:        ws,
		pending:   make(map[string]chan Ack),
		events:    make(chan engine.Event, 100),
		closeChan: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the inbound engine event stream. The channel is
// closed when the connection ends; a slow consumer drops the oldest
// events rather than stalling the reader.
func (c *Client) Events() <-chan engine.Event {
	return c.events
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.closeChan)
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.ws.Close()
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		for _, ch := range c.pending {
			close(ch)
		}
		c.pending = make(map[string]chan Ack)
		c.mu.Unlock()
		close(c.events)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}

		switch probe.Type {
		case FrameAck:
			var ack Ack
			if err := json.Unmarshal(data, &ack); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[ack.ID]
			delete(c.pending, ack.ID)
			c.mu.Unlock()
			if ok {
				ch <- ack
			}
		case FrameEvent:
			var frame EventFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			select {
			case c.events <- frame.Event:
			default:
				select {
				case <-c.events:
				default:
				}
				c.events <- frame.Event
			}
		}
	}
}

// Do sends one command and waits for its ack.
func (c *Client) Do(ctx context.Context, cmd CommandName, payload any) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	id := uuid.New().String()

	frame := Command{ID: id, Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Ack{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		frame.Payload = raw
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to marshal command: %w", err)
	}

	ch := make(chan Ack, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Ack{}, ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Ack{}, fmt.Errorf("failed to send command: %w", err)
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return Ack{}, ErrClientClosed
		}
		if !ack.OK {
			return ack, errors.New(ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Ack{}, ctx.Err()
	case <-c.closeChan:
		return Ack{}, ErrClientClosed
	}
}

// SyncBreakpointRules replaces the active breakpoint rule set.
func (c *Client) SyncBreakpointRules(ctx context.Context, rs []rules.BreakpointRule) error {
	_, err := c.Do(ctx, CmdSyncBreakpointRules, SyncBreakpointRulesPayload{Rules: rs})
	return err
}

// SyncMockRules replaces the active mock rule set.
func (c *Client) SyncMockRules(ctx context.Context, rs []rules.MockRule) error {
	_, err := c.Do(ctx, CmdSyncMockRules, SyncMockRulesPayload{Rules: rs})
	return err
}

// ResumeBreakpoint resumes a suspended call.
func (c *Client) ResumeBreakpoint(ctx context.Context, requestID string, mods *rules.Modifications) error {
	_, err := c.Do(ctx, CmdResumeBreakpoint, ResumeBreakpointPayload{RequestID: requestID, Modifications: mods})
	return err
}

// CancelBreakpoint rejects a suspended call.
func (c *Client) CancelBreakpoint(ctx context.Context, requestID string) error {
	_, err := c.Do(ctx, CmdCancelBreakpoint, CancelBreakpointPayload{RequestID: requestID})
	return err
}

// PauseCapture pauses or resumes traffic capture.
func (c *Client) PauseCapture(ctx context.Context, paused bool) error {
	cmd := CmdPauseCapture
	if !paused {
		cmd = CmdResumeCapture
	}
	_, err := c.Do(ctx, cmd, nil)
	return err
}

// ClearCaptures drops every captured entry.
func (c *Client) ClearCaptures(ctx context.Context) error {
	_, err := c.Do(ctx, CmdClearCaptures, nil)
	return err
}
