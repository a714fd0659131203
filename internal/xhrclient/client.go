// Package xhrclient implements the event-driven interceptor: a client
// whose results are delivered through synchronously-readable properties
// and registered event handlers rather than a single awaited value.
// Application-visible lifecycle ordering is preserved exactly even when
// a call is paused at a breakpoint or short-circuited by a mock.
package xhrclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/breakwire/breakwire/internal/bodyutil"
	"github.com/breakwire/breakwire/internal/engine"
	"github.com/breakwire/breakwire/internal/rules"
)

// ReadyState mirrors the native five-state machine.
type ReadyState int

const (
	Unsent ReadyState = iota
	Opened
	HeadersReceived
	Loading
	Done
)

// ResponseType selects the shape of Response().
type ResponseType string

const (
	ResponseText        ResponseType = ""
	ResponseJSON        ResponseType = "json"
	ResponseArrayBuffer ResponseType = "arraybuffer"
	ResponseBlob        ResponseType = "blob"
)

// Blob is the blob-shaped response variant.
type Blob struct {
	Data        []byte
	ContentType string
}

// EventKind names a lifecycle event.
type EventKind string

const (
	EventLoad             EventKind = "load"
	EventReadyStateChange EventKind = "readystatechange"
	EventError            EventKind = "error"
	EventAbort            EventKind = "abort"
	EventTimeout          EventKind = "timeout"
	EventLoadEnd          EventKind = "loadend"
)

// Event is what handlers receive.
type Event struct {
	Kind       EventKind
	ReadyState ReadyState
	Status     int
	Err        error
}

// Handler is a registered lifecycle callback.
type Handler func(Event)

// ErrInvalidState is returned when Send or SetRequestHeader is called
// out of order.
var ErrInvalidState = errors.New("invalid state")

// errStatusZero reclassifies an empty status-0 completion as a network
// failure rather than a valid empty response.
var errStatusZero = errors.New("network error (status 0)")

// Client is one logical request instance. load and readystatechange
// registrations are queued, never attached raw: application code only
// observes completion after any breakpoint has resolved.
type Client struct {
	eng  *engine.Engine
	base http.RoundTripper
	log  zerolog.Logger

	mu sync.Mutex

	id         string
	method     string
	rawURL     string
	readyState ReadyState
	sent       bool
	finished   bool
	aborted    bool

	reqHeaders   []rules.Header
	responseType ResponseType
	timeout      time.Duration

	status       int
	statusText   string
	respHeaders  []rules.Header
	responseText string
	response     any

	// Deferred handler queues, drained exactly once at the terminal
	// phase and discarded.
	loadQ *queue.Queue
	rscQ  *queue.Queue

	errorHandlers   []Handler
	abortHandlers   []Handler
	timeoutHandlers []Handler
	loadendHandlers []Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a client. A nil base falls back to http.DefaultTransport.
func New(eng *engine.Engine, base http.RoundTripper, log zerolog.Logger) *Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		eng:   eng,
		base:  base,
		log:   log,
		loadQ: queue.New(),
		rscQ:  queue.New(),
	}
}

// Open initializes the instance for a new request. Re-opening resets
// accumulated headers and any previous response state.
func (c *Client) Open(method, rawURL string) error {
	if method == "" || rawURL == "" {
		return fmt.Errorf("%w: open requires method and url", ErrInvalidState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openLocked(method, rawURL)
	// Each user-facing open is a new logical request with its own id.
	// Re-opens driven by breakpoint modifications keep the current id.
	c.id = uuid.New().String()
	return nil
}

func (c *Client) openLocked(method, rawURL string) {
	c.method = strings.ToUpper(method)
	c.rawURL = rawURL
	c.readyState = Opened
	c.sent = false
	c.finished = false
	c.aborted = false
	c.reqHeaders = nil
	c.status = 0
	c.statusText = ""
	c.respHeaders = nil
	c.responseText = ""
	c.response = nil
}

// SetRequestHeader appends a header. Pairs keep registration order and
// exact casing.
func (c *Client) SetRequestHeader(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readyState != Opened || c.sent {
		return fmt.Errorf("%w: headers must be set after open and before send", ErrInvalidState)
	}
	c.reqHeaders = append(c.reqHeaders, rules.Header{Name: name, Value: value})
	return nil
}

// SetResponseType selects the response shape. Must precede Send.
func (c *Client) SetResponseType(rt ResponseType) {
	c.mu.Lock()
	c.responseType = rt
	c.mu.Unlock()
}

// SetTimeout bounds the whole call. Zero disables the bound.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// AddEventListener registers a handler. load and readystatechange
// handlers are queued for mediated replay; error, abort, timeout, and
// loadend attach directly.
func (c *Client) AddEventListener(kind EventKind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case EventLoad:
		c.loadQ.Add(h)
	case EventReadyStateChange:
		c.rscQ.Add(h)
	case EventError:
		c.errorHandlers = append(c.errorHandlers, h)
	case EventAbort:
		c.abortHandlers = append(c.abortHandlers, h)
	case EventTimeout:
		c.timeoutHandlers = append(c.timeoutHandlers, h)
	case EventLoadEnd:
		c.loadendHandlers = append(c.loadendHandlers, h)
	}
}

// OnLoad is the property-setter analog; it queues like AddEventListener.
func (c *Client) OnLoad(h Handler) { c.AddEventListener(EventLoad, h) }

// OnReadyStateChange is the property-setter analog for readystatechange.
func (c *Client) OnReadyStateChange(h Handler) { c.AddEventListener(EventReadyStateChange, h) }

// OnError attaches an error handler directly.
func (c *Client) OnError(h Handler) { c.AddEventListener(EventError, h) }

// Send starts the call. It returns immediately; results arrive through
// properties and handlers.
func (c *Client) Send(body string) error {
	c.mu.Lock()
	if c.readyState != Opened || c.sent {
		c.mu.Unlock()
		return fmt.Errorf("%w: send requires an opened, unsent instance", ErrInvalidState)
	}
	c.sent = true

	ctx := context.Background()
	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	id := c.id
	method := c.method
	rawURL := c.rawURL
	c.mu.Unlock()

	go c.run(ctx, id, method, rawURL, body)
	return nil
}

// Abort cancels the in-flight call, including a pending breakpoint, and
// tears the instance back to UNSENT. A load event is never delivered
// for an aborted call.
func (c *Client) Abort() {
	c.mu.Lock()
	c.aborted = true
	cancel := c.cancel
	inflight := c.sent && !c.finished
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !inflight {
		c.mu.Lock()
		c.readyState = Unsent
		c.mu.Unlock()
	}
}

// Wait blocks until the call reaches a terminal state. Test and
// embedding convenience; the native surface has no equivalent.
func (c *Client) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// --- synchronously-readable properties ---

func (c *Client) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyState
}

func (c *Client) Status() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) StatusText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusText
}

func (c *Client) ResponseText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseText
}

// Response returns the body shaped per the configured ResponseType.
func (c *Client) Response() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// GetAllResponseHeaders renders the response headers as a raw
// CRLF-separated block, empty before headers arrive.
func (c *Client) GetAllResponseHeaders() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readyState < HeadersReceived {
		return ""
	}
	return bodyutil.FormatRawHeaders(c.respHeaders)
}

// GetResponseHeader returns one header value, case-insensitively.
func (c *Client) GetResponseHeader(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readyState < HeadersReceived {
		return ""
	}
	return bodyutil.HeaderValue(c.respHeaders, name)
}
