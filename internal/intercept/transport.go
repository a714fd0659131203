// Package intercept implements the call-and-await interceptor: an
// http.RoundTripper that runs every outbound call through the engine's
// mock, capture, and breakpoint pipeline.
package intercept

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/breakwire/breakwire/internal/bodyutil"
	"github.com/breakwire/breakwire/internal/breakpoint"
	"github.com/breakwire/breakwire/internal/capture"
	"github.com/breakwire/breakwire/internal/engine"
	"github.com/breakwire/breakwire/internal/mock"
	"github.com/breakwire/breakwire/internal/rules"
)

// Transport wraps a base RoundTripper with the interception pipeline.
// The phase order per call is fixed: mock check, request capture,
// request breakpoint, real call, response breakpoint, delivery.
type Transport struct {
	base   http.RoundTripper
	engine *engine.Engine
	log    zerolog.Logger

	mu          sync.Mutex
	client      *http.Client
	prev        http.RoundTripper
	restoreOnce sync.Once
}

// New creates a Transport over the given base. A nil base falls back to
// http.DefaultTransport.
func New(base http.RoundTripper, eng *engine.Engine, log zerolog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, engine: eng, log: log}
}

// Install swaps the client's transport for this one, remembering the
// original. Installing twice is an error so the boundary is wrapped
// exactly once.
func (t *Transport) Install(c *http.Client) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return fmt.Errorf("transport already installed")
	}
	t.client = c
	t.prev = c.Transport
	c.Transport = t
	return nil
}

// Restore puts the original transport back. Safe to call more than
// once; only the first call restores.
func (t *Transport) Restore() {
	t.restoreOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.client != nil {
			t.client.Transport = t.prev
			t.client = nil
		}
	})
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	rawURL := req.URL.String()
	if t.engine.Excluded(req.Method, rawURL) {
		return t.base.RoundTrip(req)
	}

	id := uuid.New().String()
	start := time.Now()

	// Mock short-circuit: no bytes ever reach the base transport. Any
	// failure synthesizing falls through to the real call instead of
	// breaking the application.
	if rule := t.engine.MatchMock(rawURL, req.Method); rule != nil {
		resp, err := t.serveMock(req, id, rule, start)
		if err == nil {
			return resp, nil
		}
		t.log.Warn().Err(err).Str("rule", rule.ID).Str("url", rawURL).
			Msg("mock synthesis failed, falling through to network")
	}

	reqBody, err := peekRequestBody(req)
	if err != nil {
		return nil, err
	}
	reqHeaders := bodyutil.HeadersFromHTTP(req.Header)
	reqSnap := bodyutil.Serialize(reqBody, req.Header.Get("Content-Type"), t.engine.MaxBodySize())

	t.engine.CaptureRequest(id, capture.Request{
		Method:    req.Method,
		URL:       rawURL,
		Headers:   reqHeaders,
		Body:      reqSnap,
		Auth:      bodyutil.ExtractAuth(reqHeaders),
		Timestamp: start,
	})

	// Request breakpoint: resolved before any bytes are sent.
	outReq := req
	if rule := t.engine.MatchBreakpoint(rawURL, rules.TriggerRequest); rule != nil {
		pending := t.engine.Suspend(id, breakpoint.Snapshot{
			RuleID:         rule.ID,
			Trigger:        rules.TriggerRequest,
			Method:         req.Method,
			URL:            rawURL,
			RequestHeaders: reqHeaders,
			RequestBody:    reqSnap,
		})
		mods, err := pending.Wait(req.Context())
		if err != nil {
			t.engine.CaptureError(id, err)
			return nil, err
		}
		if mods != nil && mods.Request != nil {
			outReq = rebuildRequest(req, reqBody, mods.Request)
		}
	}

	resp, err := t.base.RoundTrip(outReq)
	if err != nil {
		// Genuine network failures pass through unchanged.
		t.engine.CaptureError(id, err)
		return nil, err
	}

	// Response breakpoint: the caller only ever observes the final,
	// possibly-modified response. Matched against the URL the request
	// actually went out with, which may have been rewritten above.
	if rule := t.engine.MatchBreakpoint(outReq.URL.String(), rules.TriggerResponse); rule != nil {
		return t.holdResponse(outReq, resp, id, rule, start)
	}

	body, err := drainBody(resp)
	if err != nil {
		t.engine.CaptureError(id, err)
		return nil, err
	}
	t.engine.CaptureResponse(id, responseSnapshot(resp, body, start, t.engine.MaxBodySize(), false))
	return resp, nil
}

// serveMock synthesizes a response for a matching mock rule.
func (t *Transport) serveMock(req *http.Request, id string, rule *rules.MockRule, start time.Time) (*http.Response, error) {
	res, err := mock.Synthesize(rule)
	if err != nil {
		return nil, err
	}
	if err := mock.Wait(req.Context(), res.Delay); err != nil {
		return nil, err
	}

	reqBody, _ := peekRequestBody(req)
	reqHeaders := bodyutil.HeadersFromHTTP(req.Header)
	t.engine.CaptureRequest(id, capture.Request{
		Method:    req.Method,
		URL:       req.URL.String(),
		Headers:   reqHeaders,
		Body:      bodyutil.Serialize(reqBody, req.Header.Get("Content-Type"), t.engine.MaxBodySize()),
		Auth:      bodyutil.ExtractAuth(reqHeaders),
		Timestamp: start,
	})

	tr := bodyutil.Truncate(string(res.Body), t.engine.MaxBodySize())
	t.engine.CaptureResponse(id, capture.Response{
		Status:        res.Status,
		StatusText:    res.StatusText,
		Headers:       res.Headers,
		Body:          tr.Text,
		BodyTruncated: tr.Truncated,
		Size:          int64(len(res.Body)),
		Duration:      time.Since(start),
		Mocked:        true,
	})
	t.engine.MockApplied(id, rule.ID)
	return res.HTTPResponse(req), nil
}

// holdResponse reads the body, captures the pre-modification state,
// suspends, and rebuilds the response from any modifications.
func (t *Transport) holdResponse(req *http.Request, resp *http.Response, id string, rule *rules.BreakpointRule, start time.Time) (*http.Response, error) {
	body, err := drainBody(resp)
	if err != nil {
		t.engine.CaptureError(id, err)
		return nil, err
	}

	// Observers see what would be delivered before acting on it.
	t.engine.CaptureResponse(id, responseSnapshot(resp, body, start, t.engine.MaxBodySize(), false))

	tr := bodyutil.Truncate(string(body), t.engine.MaxBodySize())
	pending := t.engine.Suspend(id, breakpoint.Snapshot{
		RuleID:          rule.ID,
		Trigger:         rules.TriggerResponse,
		Method:          req.Method,
		URL:             req.URL.String(),
		Status:          resp.StatusCode,
		StatusText:      statusText(resp),
		ResponseHeaders: bodyutil.HeadersFromHTTP(resp.Header),
		ResponseBody:    tr.Text,
	})
	mods, err := pending.Wait(req.Context())
	if err != nil {
		t.engine.CaptureError(id, err)
		return nil, err
	}

	if mods == nil || mods.Response == nil {
		return resp, nil
	}
	return rebuildResponse(resp, body, mods.Response), nil
}

// rebuildRequest applies request modifications. The input request is
// treated as immutable: a clone carries the edits.
func rebuildRequest(req *http.Request, body []byte, mods *rules.RequestModifications) *http.Request {
	out := req.Clone(req.Context())

	if mods.Method != nil {
		out.Method = *mods.Method
	}
	if mods.Scheme != nil {
		out.URL.Scheme = *mods.Scheme
	}
	if mods.Host != nil {
		out.URL.Host = *mods.Host
		out.Host = *mods.Host
	}
	if mods.Path != nil {
		out.URL.Path = *mods.Path
		out.URL.RawPath = ""
	}
	if mods.QueryParams != nil {
		// An empty slice clears every parameter.
		q := url.Values{}
		for _, p := range *mods.QueryParams {
			q.Add(p.Key, p.Value)
		}
		out.URL.RawQuery = q.Encode()
	}
	if mods.Headers != nil {
		out.Header = bodyutil.HeadersToHTTP(*mods.Headers)
	}

	newBody := body
	if mods.Body != nil {
		newBody = []byte(*mods.Body)
	}
	if newBody != nil {
		out.Body = io.NopCloser(bytes.NewReader(newBody))
		out.ContentLength = int64(len(newBody))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(newBody)), nil
		}
		if mods.Body != nil {
			out.Header.Set("Content-Length", strconv.Itoa(len(newBody)))
		}
	}
	return out
}

// rebuildResponse builds a brand-new response from modifications.
// Content-Length is recomputed only when the body itself is replaced;
// headers-only edits keep the captured length untouched.
func rebuildResponse(resp *http.Response, body []byte, mods *rules.ResponseModifications) *http.Response {
	status := resp.StatusCode
	if mods.Status != nil {
		status = *mods.Status
	}
	stText := statusText(resp)
	if mods.StatusText != nil {
		stText = *mods.StatusText
	}

	header := resp.Header.Clone()
	if mods.Headers != nil {
		header = bodyutil.HeadersToHTTP(*mods.Headers)
	}

	newBody := body
	if mods.Body != nil {
		newBody = []byte(*mods.Body)
		header.Set("Content-Length", strconv.Itoa(len(newBody)))
	}

	out := &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, stText),
		Proto:         resp.Proto,
		ProtoMajor:    resp.ProtoMajor,
		ProtoMinor:    resp.ProtoMinor,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(newBody)),
		ContentLength: int64(len(newBody)),
		Request:       resp.Request,
		TLS:           resp.TLS,
	}
	return out
}

// peekRequestBody returns the request body bytes without consuming
// them from the caller's perspective.
func peekRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// drainBody reads the response body fully and restores it so the
// caller still sees every byte.
func drainBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func statusText(resp *http.Response) string {
	if _, text, ok := cutStatus(resp.Status); ok {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func cutStatus(status string) (code, text string, ok bool) {
	for i := 0; i < len(status); i++ {
		if status[i] == ' ' {
			return status[:i], status[i+1:], true
		}
	}
	return "", "", false
}

func responseSnapshot(resp *http.Response, body []byte, start time.Time, maxBody int, mocked bool) capture.Response {
	tr := bodyutil.Truncate(string(body), maxBody)
	size := resp.ContentLength
	if size < 0 {
		size = int64(len(body))
	}
	return capture.Response{
		Status:        resp.StatusCode,
		StatusText:    statusText(resp),
		Headers:       bodyutil.HeadersFromHTTP(resp.Header),
		Body:          tr.Text,
		BodyTruncated: tr.Truncated,
		Size:          size,
		Duration:      time.Since(start),
		Mocked:        mocked,
	}
}
