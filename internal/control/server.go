package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/breakwire/breakwire/internal/engine"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	// sendBuffer bounds the per-connection outbound queue. A controller
	// that stops reading loses events rather than stalling the engine.
	sendBuffer = 256
)

// Server upgrades HTTP connections and bridges them to the engine.
type Server struct {
	eng      *engine.Engine
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
	unsub func()
}

// NewServer creates a control server bound to the engine. Events start
// flowing to connected controllers immediately.
func NewServer(eng *engine.Engine, log zerolog.Logger) *Server {
	s := &Server{
		eng: eng,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The endpoint binds to loopback; origin checks add nothing
			// there and break non-browser controllers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
	s.unsub = eng.Subscribe(s.broadcast)
	return s
}

// Handler returns the HTTP handler for the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

// Close detaches from the engine and closes every connection.
func (s *Server) Close() error {
	if s.unsub != nil {
		s.unsub()
	}
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*conn]struct{})
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}

// ConnCount reports the number of attached controllers.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		srv:  s,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("controller attached")

	go c.writeLoop()
	c.readLoop()
}

// broadcast pushes one engine event to every attached controller.
func (s *Server) broadcast(ev engine.Event) {
	data, err := json.Marshal(EventFrame{Type: FrameEvent, Event: ev})
	if err != nil {
		s.log.Error().Err(err).Msg("event marshal failed")
		return
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.enqueue(data)
	}
}

func (s *Server) detach(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// dispatch executes one command and returns its ack.
func (s *Server) dispatch(cmd Command) Ack {
	ack := Ack{Type: FrameAck, ID: cmd.ID, OK: true}

	fail := func(err error) Ack {
		ack.OK = false
		ack.Error = err.Error()
		return ack
	}

	switch cmd.Command {
	case CmdPauseCapture:
		s.eng.PauseCapture(true)
	case CmdResumeCapture:
		s.eng.PauseCapture(false)
	case CmdClearCaptures:
		s.eng.ClearCaptures()
	case CmdUpdateConfig:
		var p UpdateConfigPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fail(fmt.Errorf("update-config payload: %w", err))
		}
		s.eng.UpdateCaptureConfig(p.Capture)
	case CmdSyncBreakpointRules:
		var p SyncBreakpointRulesPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fail(fmt.Errorf("sync-breakpoint-rules payload: %w", err))
		}
		if err := s.eng.SyncBreakpointRules(p.Rules); err != nil {
			return fail(err)
		}
	case CmdSyncMockRules:
		var p SyncMockRulesPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fail(fmt.Errorf("sync-mock-rules payload: %w", err))
		}
		if err := s.eng.SyncMockRules(p.Rules); err != nil {
			return fail(err)
		}
	case CmdResumeBreakpoint:
		var p ResumeBreakpointPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fail(fmt.Errorf("resume-breakpoint payload: %w", err))
		}
		if !s.eng.ResumeBreakpoint(p.RequestID, p.Modifications) {
			return fail(fmt.Errorf("no pending breakpoint for request %q", p.RequestID))
		}
	case CmdCancelBreakpoint:
		var p CancelBreakpointPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fail(fmt.Errorf("cancel-breakpoint payload: %w", err))
		}
		if !s.eng.CancelBreakpoint(p.RequestID) {
			return fail(fmt.Errorf("no pending breakpoint for request %q", p.RequestID))
		}
	case CmdListCaptures:
		var p ListCapturesPayload
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &p); err != nil {
				return fail(fmt.Errorf("list-captures payload: %w", err))
			}
		}
		ack.Result = s.eng.Store().List(p.filter())
	case CmdListPending:
		ack.Result = s.eng.Registry().Pending()
	case CmdStats:
		ack.Result = s.eng.Store().Stats()
	default:
		return fail(fmt.Errorf("unknown command %q", cmd.Command))
	}
	return ack
}

// conn is one attached controller. Writes are serialized through the
// send channel so the engine never blocks on a slow socket.
type conn struct {
	srv  *Server
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.srv.log.Warn().Msg("controller send queue full, dropping event")
	}
}

func (c *conn) readLoop() {
	defer c.close()

	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.srv.log.Debug().Err(err).Msg("controller read ended")
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.reply(Ack{Type: FrameAck, OK: false, Error: fmt.Sprintf("malformed command: %v", err)})
			continue
		}
		c.reply(c.srv.dispatch(cmd))
	}
}

func (c *conn) reply(ack Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		c.srv.log.Error().Err(err).Msg("ack marshal failed")
		return
	}
	c.enqueue(data)
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.ws.Close()
		c.srv.detach(c)
	})
}
