// Package mock builds well-formed synthetic responses from mock rules.
// Both interceptors use it, so callers of a mocked endpoint are
// indistinguishable regardless of which primitive they went through.
package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/breakwire/breakwire/internal/bodyutil"
	"github.com/breakwire/breakwire/internal/rules"
)

const defaultContentType = "application/json; charset=utf-8"

// Result is a fully-formed synthetic response. Headers always include a
// Content-Length matching the body's byte length.
type Result struct {
	Status     int
	StatusText string
	Headers    []rules.Header
	Body       []byte
	Delay      time.Duration
}

// Synthesize builds a Result from a mock rule. Defaults: 200/OK with a
// JSON content type. A body that is not valid JSON under a JSON content
// type is wrapped as a JSON string rather than rejected.
func Synthesize(rule *rules.MockRule) (*Result, error) {
	if rule == nil {
		return nil, fmt.Errorf("nil mock rule")
	}

	status := rule.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status < 100 || status > 599 {
		return nil, fmt.Errorf("mock rule %q: invalid status %d", rule.ID, status)
	}

	statusText := rule.StatusText
	if statusText == "" {
		statusText = http.StatusText(status)
		if statusText == "" {
			statusText = "OK"
		}
	}

	// Header pairs are ordered; map iteration would reshuffle them per
	// call, so emit in sorted-name order.
	names := make([]string, 0, len(rule.Headers))
	for name := range rule.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var headers []rules.Header
	contentType := ""
	for _, name := range names {
		value := rule.Headers[name]
		headers = append(headers, rules.Header{Name: name, Value: value})
		if strings.EqualFold(name, "Content-Type") {
			contentType = value
		}
	}
	if contentType == "" {
		contentType = defaultContentType
		headers = append(headers, rules.Header{Name: "Content-Type", Value: contentType})
	}

	body := coerceBody(rule.Body, contentType)

	headers = setHeader(headers, "Content-Length", strconv.Itoa(len(body)))

	return &Result{
		Status:     status,
		StatusText: statusText,
		Headers:    headers,
		Body:       body,
		Delay:      time.Duration(rule.DelayMS) * time.Millisecond,
	}, nil
}

// coerceBody self-validates JSON bodies: under a JSON content type an
// invalid body is re-encoded as a JSON string so the synthetic response
// is always well-formed.
func coerceBody(body, contentType string) []byte {
	if body == "" {
		return nil
	}
	if strings.Contains(strings.ToLower(contentType), "json") && !gjson.Valid(body) {
		if wrapped, err := json.Marshal(body); err == nil {
			return wrapped
		}
	}
	return []byte(body)
}

// setHeader replaces the first case-insensitive occurrence of name, or
// appends when absent, preserving pair order.
func setHeader(headers []rules.Header, name, value string) []rules.Header {
	for i := range headers {
		if strings.EqualFold(headers[i].Name, name) {
			headers[i].Value = value
			return headers
		}
	}
	return append(headers, rules.Header{Name: name, Value: value})
}

// Wait blocks for the configured mock delay, honoring context
// cancellation so an abandoned caller is not held hostage.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HTTPResponse renders the result as an *http.Response bound to the
// originating request.
func (r *Result) HTTPResponse(req *http.Request) *http.Response {
	resp := &http.Response{
		StatusCode:    r.Status,
		Status:        fmt.Sprintf("%d %s", r.Status, r.StatusText),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        bodyutil.HeadersToHTTP(r.Headers),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
	return resp
}
