package xhrclient

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breakwire/breakwire/internal/engine"
	"github.com/breakwire/breakwire/internal/rules"
)

type spyTransport struct {
	calls    atomic.Int32
	status   int
	body     string
	headers  http.Header
	err      error
	mu       sync.Mutex
	lastReq  *http.Request
	lastBody string
}

func (s *spyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.lastReq = req
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		s.lastBody = string(b)
	}
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	status := s.status
	if status == 0 {
		status = 200
	}
	h := s.headers
	if h == nil {
		h = http.Header{"Content-Type": []string{"text/plain"}}
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(s.body)),
		Request:    req,
	}, nil
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng := engine.New(engine.DefaultConfig(), zerolog.Nop())
	t.Cleanup(func() { eng.Close() })
	return eng
}

func newTestClient(t *testing.T, eng *engine.Engine, spy *spyTransport) *Client {
	t.Helper()
	return New(eng, spy, zerolog.Nop())
}

func TestClient_PlainRequest(t *testing.T) {
	eng := newTestEngine(t)
	spy := &spyTransport{body: "hello"}
	c := newTestClient(t, eng, spy)

	var events []string
	c.OnLoad(func(e Event) {
		events = append(events, "load")
		assert.Equal(t, 200, e.Status)
	})
	c.AddEventListener(EventReadyStateChange, func(e Event) {
		if e.ReadyState == Done {
			events = append(events, "rsc4")
		}
	})
	c.AddEventListener(EventLoadEnd, func(Event) { events = append(events, "loadend") })

	require.NoError(t, c.Open("GET", "https://api.example.com/data"))
	require.NoError(t, c.SetRequestHeader("Accept", "text/plain"))
	require.NoError(t, c.Send(""))
	c.Wait()

	assert.Equal(t, []string{"load", "rsc4", "loadend"}, events)
	assert.Equal(t, Done, c.ReadyState())
	assert.Equal(t, 200, c.Status())
	assert.Equal(t, "hello", c.ResponseText())

	spy.mu.Lock()
	assert.Equal(t, "text/plain", spy.lastReq.Header.Get("Accept"))
	spy.mu.Unlock()
}

func TestClient_ReuseMintsFreshID(t *testing.T) {
	eng := newTestEngine(t)
	spy := &spyTransport{body: "ok"}
	c := newTestClient(t, eng, spy)

	require.NoError(t, c.Open("GET", "https://api.example.com/first"))
	require.NoError(t, c.Send(""))
	c.Wait()

	require.NoError(t, c.Open("GET", "https://api.example.com/second"))
	require.NoError(t, c.Send(""))
	c.Wait()

	entries := eng.Store().All()
	require.Len(t, entries, 2)
	assert.NotEqual(t, entries[0].ID, entries[1].ID, "each open starts a new logical request")
}

func TestClient_InvalidState(t *testing.T) {
	eng := newTestEngine(t)
	c := newTestClient(t, eng, &spyTransport{})

	assert.ErrorIs(t, c.Send(""), ErrInvalidState)
	assert.ErrorIs(t, c.SetRequestHeader("X", "y"), ErrInvalidState)

	require.NoError(t, c.Open("GET", "https://example.com/"))
	require.NoError(t, c.Send(""))
	assert.ErrorIs(t, c.Send(""), ErrInvalidState)
	c.Wait()
}

func TestClient_MockLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.SyncMockRules([]rules.MockRule{{
		ID:         "m1",
		URLPattern: rules.URLPattern{Host: "api.example.com", Path: "/users"},
		Status:     201,
		Body:       `{"created":true}`,
		Enabled:    true,
	}}))
	spy := &spyTransport{}
	c := newTestClient(t, eng, spy)

	var order []string
	c.AddEventListener(EventReadyStateChange, func(e Event) {
		order = append(order, "rsc"+string(rune('0'+int(e.ReadyState))))
		if e.ReadyState == Done {
			// Body must already be final when state 4 is observed.
			assert.Equal(t, `{"created":true}`, c.ResponseText())
		}
	})
	c.OnLoad(func(e Event) {
		order = append(order, "load")
		assert.Equal(t, 201, e.Status)
		assert.Equal(t, `{"created":true}`, c.ResponseText())
	})
	c.AddEventListener(EventLoadEnd, func(Event) { order = append(order, "loadend") })

	require.NoError(t, c.Open("POST", "https://api.example.com/users"))
	require.NoError(t, c.Send(`{"name":"ann"}`))
	c.Wait()

	assert.Equal(t, []string{"rsc2", "rsc3", "rsc4", "load", "loadend"}, order)
	assert.Equal(t, int32(0), spy.calls.Load(), "mocked call must not reach the network")
	assert.Equal(t, 201, c.Status())
	assert.Equal(t, "Created", c.StatusText())
	assert.Equal(t, "application/json; charset=utf-8", c.GetResponseHeader("content-type"))
	assert.Contains(t, c.GetAllResponseHeaders(), "Content-Length:")
}

func TestClient_MockMethodFilter(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.SyncMockRules([]rules.MockRule{{
		ID:         "m1",
		Method:     "POST",
		URLPattern: rules.URLPattern{Host: "api.example.com"},
		Status:     204,
		Enabled:    true,
	}}))
	spy := &spyTransport{body: "real"}
	c := newTestClient(t, eng, spy)

	require.NoError(t, c.Open("GET", "https://api.example.com/users"))
	require.NoError(t, c.Send(""))
	c.Wait()

	assert.Equal(t, int32(1), spy.calls.Load())
	assert.Equal(t, "real", c.ResponseText())
}

func TestClient_RequestBreakpoint(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.SyncBreakpointRules([]rules.BreakpointRule{{
		ID:         "bp1",
		URLPattern: rules.URLPattern{Host: "api.example.com"},
		Trigger:    rules.TriggerRequest,
		Enabled:    true,
	}}))

	t.Run("resume without modifications", func(t *testing.T) {
		spy := &spyTransport{body: "ok"}
		c := newTestClient(t, eng, spy)

		unsub := eng.Subscribe(func(e engine.Event) {
			if e.Type == engine.EventBreakpointHit {
				assert.Equal(t, int32(0), spy.calls.Load(), "send must be withheld at the hit")
				go eng.ResumeBreakpoint(e.RequestID, nil)
			}
		})
		defer unsub()

		require.NoError(t, c.Open("GET", "https://api.example.com/a"))
		require.NoError(t, c.Send(""))
		c.Wait()

		assert.Equal(t, int32(1), spy.calls.Load())
		assert.Equal(t, "ok", c.ResponseText())
	})

	t.Run("resume with modifications reapplies headers", func(t *testing.T) {
		spy := &spyTransport{body: "ok"}
		c := newTestClient(t, eng, spy)

		method := "PUT"
		host := "alt.example.com"
		newBody := "patched"
		unsub := eng.Subscribe(func(e engine.Event) {
			if e.Type == engine.EventBreakpointHit {
				hdrs := []rules.Header{{Name: "X-Replaced", Value: "1"}}
				go eng.ResumeBreakpoint(e.RequestID, &rules.Modifications{Request: &rules.RequestModifications{
					Method:  &method,
					Host:    &host,
					Headers: &hdrs,
					Body:    &newBody,
				}})
			}
		})
		defer unsub()

		require.NoError(t, c.Open("POST", "https://api.example.com/a"))
		require.NoError(t, c.SetRequestHeader("X-Original", "1"))
		require.NoError(t, c.Send("orig"))
		c.Wait()

		spy.mu.Lock()
		defer spy.mu.Unlock()
		assert.Equal(t, "PUT", spy.lastReq.Method)
		assert.Equal(t, "alt.example.com", spy.lastReq.URL.Host)
		assert.Equal(t, "1", spy.lastReq.Header.Get("X-Replaced"))
		assert.Empty(t, spy.lastReq.Header.Get("X-Original"), "re-open resets headers")
		assert.Equal(t, "patched", spy.lastBody)
	})

	t.Run("cancel aborts without load", func(t *testing.T) {
		spy := &spyTransport{}
		c := newTestClient(t, eng, spy)

		var loaded, aborted atomic.Bool
		c.OnLoad(func(Event) { loaded.Store(true) })
		c.AddEventListener(EventAbort, func(Event) { aborted.Store(true) })

		unsub := eng.Subscribe(func(e engine.Event) {
			if e.Type == engine.EventBreakpointHit {
				go eng.CancelBreakpoint(e.RequestID)
			}
		})
		defer unsub()

		require.NoError(t, c.Open("GET", "https://api.example.com/a"))
		require.NoError(t, c.Send(""))
		c.Wait()

		assert.Equal(t, int32(0), spy.calls.Load())
		assert.False(t, loaded.Load())
		assert.True(t, aborted.Load())
		assert.Equal(t, Unsent, c.ReadyState())
	})
}

func TestClient_ResponseBreakpoint(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.SyncBreakpointRules([]rules.BreakpointRule{{
		ID:         "bp1",
		URLPattern: rules.URLPattern{Host: "api.example.com"},
		Trigger:    rules.TriggerResponse,
		Enabled:    true,
	}}))

	t.Run("handlers fire only after resume", func(t *testing.T) {
		spy := &spyTransport{body: "original"}
		c := newTestClient(t, eng, spy)

		var loadedBeforeResume atomic.Bool
		resumed := make(chan struct{})
		c.OnLoad(func(Event) {
			select {
			case <-resumed:
			default:
				loadedBeforeResume.Store(true)
			}
		})

		status := 503
		newBody := "rewritten"
		unsub := eng.Subscribe(func(e engine.Event) {
			if e.Type == engine.EventBreakpointHit {
				go func() {
					close(resumed)
					eng.ResumeBreakpoint(e.RequestID, &rules.Modifications{Response: &rules.ResponseModifications{
						Status: &status,
						Body:   &newBody,
					}})
				}()
			}
		})
		defer unsub()

		require.NoError(t, c.Open("GET", "https://api.example.com/a"))
		require.NoError(t, c.Send(""))
		c.Wait()

		assert.False(t, loadedBeforeResume.Load())
		assert.Equal(t, 503, c.Status())
		assert.Equal(t, "Service Unavailable", c.StatusText())
		assert.Equal(t, "rewritten", c.ResponseText())
	})

	t.Run("load handlers drain before readystatechange", func(t *testing.T) {
		spy := &spyTransport{body: "x"}
		c := newTestClient(t, eng, spy)

		var order []string
		c.OnLoad(func(Event) { order = append(order, "load") })
		c.OnReadyStateChange(func(e Event) {
			if e.ReadyState == Done {
				order = append(order, "rsc4")
			}
		})

		unsub := eng.Subscribe(func(e engine.Event) {
			if e.Type == engine.EventBreakpointHit {
				go eng.ResumeBreakpoint(e.RequestID, nil)
			}
		})
		defer unsub()

		require.NoError(t, c.Open("GET", "https://api.example.com/a"))
		require.NoError(t, c.Send(""))
		c.Wait()

		assert.Equal(t, []string{"load", "rsc4"}, order)
	})
}

func TestClient_Abort(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.SyncBreakpointRules([]rules.BreakpointRule{{
		ID:         "bp1",
		URLPattern: rules.URLPattern{Host: "api.example.com"},
		Trigger:    rules.TriggerRequest,
		Enabled:    true,
	}}))
	spy := &spyTransport{}
	c := newTestClient(t, eng, spy)

	var loaded, aborted atomic.Bool
	c.OnLoad(func(Event) { loaded.Store(true) })
	c.AddEventListener(EventAbort, func(Event) { aborted.Store(true) })

	hit := make(chan struct{})
	unsub := eng.Subscribe(func(e engine.Event) {
		if e.Type == engine.EventBreakpointHit {
			close(hit)
		}
	})
	defer unsub()

	require.NoError(t, c.Open("GET", "https://api.example.com/a"))
	require.NoError(t, c.Send(""))
	<-hit
	c.Abort()
	c.Wait()

	assert.True(t, aborted.Load())
	assert.False(t, loaded.Load())
	assert.Equal(t, Unsent, c.ReadyState())
	assert.Equal(t, int32(0), spy.calls.Load())
}

func TestClient_NetworkError(t *testing.T) {
	eng := newTestEngine(t)
	spy := &spyTransport{err: io.ErrUnexpectedEOF}
	c := newTestClient(t, eng, spy)

	var gotErr error
	var loadend atomic.Bool
	c.OnError(func(e Event) { gotErr = e.Err })
	c.OnLoad(func(Event) { t.Error("load must not fire on error") })
	c.AddEventListener(EventLoadEnd, func(Event) { loadend.Store(true) })

	require.NoError(t, c.Open("GET", "https://api.example.com/a"))
	require.NoError(t, c.Send(""))
	c.Wait()

	assert.ErrorIs(t, gotErr, io.ErrUnexpectedEOF)
	assert.True(t, loadend.Load())
	assert.Equal(t, 0, c.Status())
	assert.Equal(t, Done, c.ReadyState())
}

func TestClient_Timeout(t *testing.T) {
	eng := newTestEngine(t)
	slow := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(time.Second):
			return nil, io.EOF
		}
	})
	c := New(eng, slow, zerolog.Nop())

	var timedOut atomic.Bool
	c.AddEventListener(EventTimeout, func(Event) { timedOut.Store(true) })
	c.OnLoad(func(Event) { t.Error("load must not fire on timeout") })

	require.NoError(t, c.Open("GET", "https://api.example.com/slow"))
	c.SetTimeout(20 * time.Millisecond)
	require.NoError(t, c.Send(""))
	c.Wait()

	assert.True(t, timedOut.Load())
}

func TestClient_ResponseTypes(t *testing.T) {
	eng := newTestEngine(t)

	t.Run("json", func(t *testing.T) {
		c := newTestClient(t, eng, &spyTransport{
			body:    `{"n":1}`,
			headers: http.Header{"Content-Type": []string{"application/json"}},
		})
		c.SetResponseType(ResponseJSON)
		require.NoError(t, c.Open("GET", "https://example.com/"))
		require.NoError(t, c.Send(""))
		c.Wait()

		m, ok := c.Response().(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(1), m["n"])
	})

	t.Run("json parse failure yields nil", func(t *testing.T) {
		c := newTestClient(t, eng, &spyTransport{body: "not json"})
		c.SetResponseType(ResponseJSON)
		require.NoError(t, c.Open("GET", "https://example.com/"))
		require.NoError(t, c.Send(""))
		c.Wait()

		assert.Nil(t, c.Response())
		assert.Equal(t, "not json", c.ResponseText())
	})

	t.Run("arraybuffer", func(t *testing.T) {
		c := newTestClient(t, eng, &spyTransport{body: "bytes"})
		c.SetResponseType(ResponseArrayBuffer)
		require.NoError(t, c.Open("GET", "https://example.com/"))
		require.NoError(t, c.Send(""))
		c.Wait()

		assert.Equal(t, []byte("bytes"), c.Response())
	})

	t.Run("blob carries content type", func(t *testing.T) {
		c := newTestClient(t, eng, &spyTransport{
			body:    "img",
			headers: http.Header{"Content-Type": []string{"image/png"}},
		})
		c.SetResponseType(ResponseBlob)
		require.NoError(t, c.Open("GET", "https://example.com/"))
		require.NoError(t, c.Send(""))
		c.Wait()

		b, ok := c.Response().(*Blob)
		require.True(t, ok)
		assert.Equal(t, "image/png", b.ContentType)
		assert.Equal(t, []byte("img"), b.Data)
	})
}

func TestClient_HeaderAccessBeforeHeaders(t *testing.T) {
	eng := newTestEngine(t)
	c := newTestClient(t, eng, &spyTransport{})

	assert.Empty(t, c.GetAllResponseHeaders())
	assert.Empty(t, c.GetResponseHeader("Content-Type"))
}

func TestClient_ExclusionBypassesMocks(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.SyncMockRules([]rules.MockRule{{
		ID:         "m1",
		URLPattern: rules.URLPattern{Host: "api.example.com"},
		Status:     204,
		Enabled:    true,
	}}))
	spy := &spyTransport{body: "real"}
	c := newTestClient(t, eng, spy)

	require.NoError(t, c.Open("OPTIONS", "https://api.example.com/a"))
	require.NoError(t, c.Send(""))
	c.Wait()

	assert.Equal(t, int32(1), spy.calls.Load())
	assert.Equal(t, "real", c.ResponseText())
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
