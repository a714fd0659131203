package capture

import (
	"strings"
	"time"

	"github.com/breakwire/breakwire/internal/bodyutil"
	"github.com/breakwire/breakwire/internal/rules"
)

// Request is the value-object snapshot of an outgoing request.
type Request struct {
	Method    string                  `json:"method"`
	URL       string                  `json:"url"`
	Headers   []rules.Header          `json:"headers,omitempty"`
	Body      bodyutil.SerializedBody `json:"body"`
	Auth      *bodyutil.AuthInfo      `json:"auth,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// Response is the value-object snapshot of a delivered response.
type Response struct {
	Status        int            `json:"status"`
	StatusText    string         `json:"statusText"`
	Headers       []rules.Header `json:"headers,omitempty"`
	Body          string         `json:"body,omitempty"`
	BodyTruncated bool           `json:"bodyTruncated,omitempty"`
	Size          int64          `json:"size"`
	Duration      time.Duration  `json:"duration"`
	Mocked        bool           `json:"mocked,omitempty"`
}

// Entry is one logical intercepted call in the ring: request snapshot
// plus, once delivered, either a response snapshot or an error.
type Entry struct {
	ID       string    `json:"id"`
	Request  Request   `json:"request"`
	Response *Response `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Clone returns a deep copy. Entries handed out of the store are
// always clones so readers never share mutable state with the ring.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Request.Headers = append([]rules.Header(nil), e.Request.Headers...)
	if e.Request.Auth != nil {
		auth := *e.Request.Auth
		out.Request.Auth = &auth
	}
	if e.Response != nil {
		resp := *e.Response
		resp.Headers = append([]rules.Header(nil), e.Response.Headers...)
		out.Response = &resp
	}
	return &out
}

// Completed reports whether the call has a terminal outcome.
func (e *Entry) Completed() bool {
	return e.Response != nil || e.Error != ""
}

// ContentType returns the response content-type, if any.
func (e *Entry) ContentType() string {
	if e.Response == nil {
		return ""
	}
	return bodyutil.HeaderValue(e.Response.Headers, "Content-Type")
}

// FilterOptions narrows List results.
type FilterOptions struct {
	Method string
	Host   string
	Path   string

	StatusMin int
	StatusMax int

	// Search matches URL, headers, and text bodies, case-insensitively.
	Search string

	MockedOnly bool
	ErrorsOnly bool

	Limit  int
	Offset int
}

// matchesFilter checks one entry against the filter options.
func matchesFilter(e *Entry, opts FilterOptions) bool {
	if opts.Method != "" && !strings.EqualFold(e.Request.Method, opts.Method) {
		return false
	}

	if opts.Host != "" || opts.Path != "" {
		p := rules.URLPattern{Host: opts.Host, Path: opts.Path}
		if !p.Matches(e.Request.URL) {
			return false
		}
	}

	if opts.StatusMin > 0 && (e.Response == nil || e.Response.Status < opts.StatusMin) {
		return false
	}
	if opts.StatusMax > 0 && (e.Response == nil || e.Response.Status > opts.StatusMax) {
		return false
	}

	if opts.MockedOnly && (e.Response == nil || !e.Response.Mocked) {
		return false
	}
	if opts.ErrorsOnly && e.Error == "" {
		return false
	}

	if opts.Search != "" && !matchesSearch(e, strings.ToLower(opts.Search)) {
		return false
	}
	return true
}

func matchesSearch(e *Entry, search string) bool {
	if strings.Contains(strings.ToLower(e.Request.URL), search) {
		return true
	}
	for _, h := range e.Request.Headers {
		if strings.Contains(strings.ToLower(h.Name), search) || strings.Contains(strings.ToLower(h.Value), search) {
			return true
		}
	}
	if e.Request.Body.Kind == bodyutil.BodyText && strings.Contains(strings.ToLower(e.Request.Body.Text), search) {
		return true
	}
	if e.Response != nil {
		for _, h := range e.Response.Headers {
			if strings.Contains(strings.ToLower(h.Name), search) || strings.Contains(strings.ToLower(h.Value), search) {
				return true
			}
		}
		if strings.Contains(strings.ToLower(e.Response.Body), search) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(e.Error), search)
}
