package xhrclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/eapache/queue"

	"github.com/breakwire/breakwire/internal/bodyutil"
	"github.com/breakwire/breakwire/internal/breakpoint"
	"github.com/breakwire/breakwire/internal/capture"
	"github.com/breakwire/breakwire/internal/mock"
	"github.com/breakwire/breakwire/internal/rules"
)

// run drives one call on its own goroutine. All handler invocations
// happen here, sequentially, so ordering guarantees hold without any
// locking in application handlers.
func (c *Client) run(ctx context.Context, id, method, rawURL, body string) {
	defer close(c.done)

	if c.eng == nil || c.eng.Excluded(method, rawURL) {
		c.performSend(ctx, id, method, rawURL, body, false)
		return
	}

	if rule := c.eng.MatchMock(rawURL, method); rule != nil {
		c.serveMock(ctx, id, method, rawURL, body, rule)
		return
	}

	sb := bodyutil.Serialize([]byte(body), bodyutil.HeaderValue(c.snapshotHeaders(), "Content-Type"), c.eng.MaxBodySize())
	req := capture.Request{
		Method:    method,
		URL:       rawURL,
		Headers:   c.snapshotHeaders(),
		Body:      sb,
		Auth:      bodyutil.ExtractAuth(c.snapshotHeaders()),
		Timestamp: time.Now(),
	}
	c.eng.CaptureRequest(id, req)

	if rule := c.eng.MatchBreakpoint(rawURL, rules.TriggerRequest); rule != nil {
		snap := breakpoint.Snapshot{
			RuleID:         rule.ID,
			Trigger:        rules.TriggerRequest,
			Method:         method,
			URL:            rawURL,
			RequestHeaders: c.snapshotHeaders(),
			RequestBody:    sb,
		}
		pending := c.eng.Suspend(id, snap)
		mods, err := pending.Wait(ctx)
		if err != nil {
			c.eng.CaptureError(id, err)
			c.finishAborted()
			return
		}
		if mods != nil && mods.Request != nil {
			method, rawURL, body = c.applyRequestMods(method, rawURL, body, mods.Request)
		}
	}

	c.performSend(ctx, id, method, rawURL, body, true)
}

// serveMock synthesizes the response without touching the network and
// replays the full synthetic lifecycle: readystatechange for states 2,
// 3, and 4, then load, then loadend, with the body already final when
// load fires. A synthesis failure has no network fallback here, so it
// is surfaced as an error completion.
func (c *Client) serveMock(ctx context.Context, id, method, rawURL, body string, rule *rules.MockRule) {
	res, err := mock.Synthesize(rule)
	if err != nil {
		c.log.Error().Err(err).Str("rule", rule.ID).Msg("mock synthesis failed")
		c.finishError(err)
		return
	}
	if err := mock.Wait(ctx, res.Delay); err != nil {
		c.finishAborted()
		return
	}

	headers := c.snapshotHeaders()
	c.eng.CaptureRequest(id, capture.Request{
		Method:    method,
		URL:       rawURL,
		Headers:   headers,
		Body:      bodyutil.Serialize([]byte(body), bodyutil.HeaderValue(headers, "Content-Type"), c.eng.MaxBodySize()),
		Auth:      bodyutil.ExtractAuth(headers),
		Timestamp: time.Now(),
	})
	tr := bodyutil.Truncate(string(res.Body), c.eng.MaxBodySize())
	c.eng.CaptureResponse(id, capture.Response{
		Status:        res.Status,
		StatusText:    res.StatusText,
		Headers:       res.Headers,
		Body:          tr.Text,
		BodyTruncated: tr.Truncated,
		Size:          int64(len(res.Body)),
		Mocked:        true,
	})
	c.eng.MockApplied(id, rule.ID)

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.status = res.Status
	c.statusText = res.StatusText
	c.respHeaders = res.Headers
	c.setResponseLocked(res.Body, bodyutil.HeaderValue(res.Headers, "Content-Type"))
	rsc := drainHandlers(c.rscQ)
	load := drainHandlers(c.loadQ)
	c.mu.Unlock()

	for _, state := range []ReadyState{HeadersReceived, Loading, Done} {
		c.mu.Lock()
		c.readyState = state
		c.mu.Unlock()
		for _, h := range rsc {
			h(Event{Kind: EventReadyStateChange, ReadyState: state, Status: res.Status})
		}
	}
	for _, h := range load {
		h(Event{Kind: EventLoad, ReadyState: Done, Status: res.Status})
	}
	c.fireLoadEnd(res.Status)
}

// performSend executes the network call. When intercepted is false the
// call bypasses capture and breakpoints entirely.
func (c *Client) performSend(ctx context.Context, id, method, rawURL, body string, intercepted bool) {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		c.finishError(err)
		return
	}
	for _, h := range c.snapshotHeaders() {
		req.Header.Add(h.Name, h.Value)
	}

	resp, err := c.base.RoundTrip(req)
	if err != nil {
		if c.wasAborted(ctx) {
			c.finishAborted()
			return
		}
		if intercepted {
			c.eng.CaptureError(id, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			c.finishTimeout(err)
			return
		}
		c.finishError(err)
		return
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		if intercepted {
			c.eng.CaptureError(id, err)
		}
		c.finishError(err)
		return
	}
	if resp.StatusCode == 0 {
		if intercepted {
			c.eng.CaptureError(id, errStatusZero)
		}
		c.finishError(errStatusZero)
		return
	}

	status := resp.StatusCode
	stText := statusText(resp.Status, status)
	headers := bodyutil.HeadersFromHTTP(resp.Header)

	if intercepted {
		tr := bodyutil.Truncate(string(data), c.eng.MaxBodySize())
		c.eng.CaptureResponse(id, capture.Response{
			Status:        status,
			StatusText:    stText,
			Headers:       headers,
			Body:          tr.Text,
			BodyTruncated: tr.Truncated,
			Size:          int64(len(data)),
		})
		if rule := c.eng.MatchBreakpoint(rawURL, rules.TriggerResponse); rule != nil {
			snap := breakpoint.Snapshot{
				RuleID:          rule.ID,
				Trigger:         rules.TriggerResponse,
				Method:          method,
				URL:             rawURL,
				RequestHeaders:  c.snapshotHeaders(),
				Status:          status,
				StatusText:      stText,
				ResponseHeaders: headers,
				ResponseBody:    tr.Text,
			}
			pending := c.eng.Suspend(id, snap)
			mods, err := pending.Wait(ctx)
			if err != nil {
				c.eng.CaptureError(id, err)
				c.finishAborted()
				return
			}
			if mods != nil && mods.Response != nil {
				status, stText, headers, data = applyResponseMods(status, stText, headers, data, mods.Response)
			}
		}
	}

	c.complete(status, stText, headers, data)
}

// complete transitions to DONE and drains the queued handlers: load
// handlers first, then readystatechange, then loadend. Properties are
// final before any handler runs.
func (c *Client) complete(status int, stText string, headers []rules.Header, data []byte) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.status = status
	c.statusText = stText
	c.respHeaders = headers
	c.setResponseLocked(data, bodyutil.HeaderValue(headers, "Content-Type"))
	c.readyState = Done
	load := drainHandlers(c.loadQ)
	rsc := drainHandlers(c.rscQ)
	c.mu.Unlock()

	for _, h := range load {
		h(Event{Kind: EventLoad, ReadyState: Done, Status: status})
	}
	for _, h := range rsc {
		h(Event{Kind: EventReadyStateChange, ReadyState: Done, Status: status})
	}
	c.fireLoadEnd(status)
}

// setResponseLocked materializes responseText and the typed response
// per the configured ResponseType. Callers hold c.mu.
func (c *Client) setResponseLocked(data []byte, contentType string) {
	c.responseText = string(data)
	switch c.responseType {
	case ResponseJSON:
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			c.response = v
		} else {
			c.response = nil
		}
	case ResponseArrayBuffer:
		buf := make([]byte, len(data))
		copy(buf, data)
		c.response = buf
	case ResponseBlob:
		buf := make([]byte, len(data))
		copy(buf, data)
		c.response = &Blob{Data: buf, ContentType: contentType}
	default:
		c.response = c.responseText
	}
}

// applyRequestMods rewrites the outgoing call before the network send.
// A new method or URL resets accumulated headers; modified headers are
// then reapplied in order.
func (c *Client) applyRequestMods(method, rawURL, body string, m *rules.RequestModifications) (string, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.Method != nil {
		method = *m.Method
	}
	if u, err := url.Parse(rawURL); err == nil {
		if m.Scheme != nil {
			u.Scheme = *m.Scheme
		}
		if m.Host != nil {
			u.Host = *m.Host
		}
		if m.Path != nil {
			u.Path = *m.Path
		}
		if m.QueryParams != nil {
			q := url.Values{}
			for _, p := range *m.QueryParams {
				q.Add(p.Key, p.Value)
			}
			u.RawQuery = q.Encode()
		}
		rawURL = u.String()
	}

	headers := c.reqHeaders
	if m.Headers != nil {
		headers = *m.Headers
	}
	c.openLocked(method, rawURL)
	c.sent = true
	c.reqHeaders = headers

	if m.Body != nil {
		body = *m.Body
	}
	return method, rawURL, body
}

func applyResponseMods(status int, stText string, headers []rules.Header, data []byte, m *rules.ResponseModifications) (int, string, []rules.Header, []byte) {
	if m.Status != nil {
		status = *m.Status
		if m.StatusText != nil {
			stText = *m.StatusText
		} else {
			stText = http.StatusText(status)
		}
	} else if m.StatusText != nil {
		stText = *m.StatusText
	}
	if m.Headers != nil {
		headers = *m.Headers
	}
	if m.Body != nil {
		data = []byte(*m.Body)
	}
	return status, stText, headers, data
}

// --- terminal delivery helpers ---

// finishAborted tears back to UNSENT and fires abort then loadend. The
// queued load and readystatechange handlers are discarded undelivered.
func (c *Client) finishAborted() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.readyState = Unsent
	drainHandlers(c.loadQ)
	drainHandlers(c.rscQ)
	handlers := append([]Handler(nil), c.abortHandlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(Event{Kind: EventAbort, ReadyState: Unsent})
	}
	c.fireLoadEnd(0)
}

// finishError delivers a network failure: status 0, DONE, error
// handlers, loadend. No load event.
func (c *Client) finishError(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.status = 0
	c.statusText = ""
	c.readyState = Done
	drainHandlers(c.loadQ)
	drainHandlers(c.rscQ)
	handlers := append([]Handler(nil), c.errorHandlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(Event{Kind: EventError, ReadyState: Done, Err: err})
	}
	c.fireLoadEnd(0)
}

func (c *Client) finishTimeout(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.status = 0
	c.readyState = Done
	drainHandlers(c.loadQ)
	drainHandlers(c.rscQ)
	handlers := append([]Handler(nil), c.timeoutHandlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(Event{Kind: EventTimeout, ReadyState: Done, Err: err})
	}
	c.fireLoadEnd(0)
}

func (c *Client) fireLoadEnd(status int) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.loadendHandlers...)
	state := c.readyState
	c.mu.Unlock()
	for _, h := range handlers {
		h(Event{Kind: EventLoadEnd, ReadyState: state, Status: status})
	}
}

func (c *Client) snapshotHeaders() []rules.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rules.Header(nil), c.reqHeaders...)
}

func (c *Client) wasAborted(ctx context.Context) bool {
	c.mu.Lock()
	aborted := c.aborted
	c.mu.Unlock()
	return aborted || errors.Is(ctx.Err(), context.Canceled)
}

func drainHandlers(q *queue.Queue) []Handler {
	out := make([]Handler, 0, q.Length())
	for q.Length() > 0 {
		out = append(out, q.Remove().(Handler))
	}
	return out
}

func statusText(line string, code int) string {
	if t, ok := cutStatus(line); ok {
		return t
	}
	return http.StatusText(code)
}

func cutStatus(line string) (string, bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			return line[i+1:], true
		}
	}
	return "", false
}
