// Package bodyutil provides the pure helpers shared by both
// interceptors: body truncation, binary detection, serialized-body
// tagging, raw header parsing, and auth-info extraction.
package bodyutil

import (
	"encoding/base64"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/breakwire/breakwire/internal/rules"
)

// BodyKind tags a serialized body variant. Only text bodies participate
// in truncation and JSON validation; everything else is captured as a
// placeholder with its size.
type BodyKind string

const (
	BodyText   BodyKind = "text"
	BodyBinary BodyKind = "binary"
	BodyForm   BodyKind = "form"
	BodyEmpty  BodyKind = "empty"
)

// SerializedBody is the tagged variant for a captured body.
type SerializedBody struct {
	Kind         BodyKind `json:"kind"`
	Text         string   `json:"text,omitempty"`
	Truncated    bool     `json:"truncated,omitempty"`
	OriginalSize int64    `json:"originalSize"`
}

// Placeholder returns the display tag used for non-text bodies.
func (b SerializedBody) Placeholder() string {
	switch b.Kind {
	case BodyBinary:
		return "[binary body]"
	case BodyForm:
		return "[form data]"
	case BodyEmpty:
		return ""
	default:
		return b.Text
	}
}

// WithoutText drops the body text while keeping the size metadata,
// used when body capture is toggled off.
func (b SerializedBody) WithoutText() SerializedBody {
	b.Text = ""
	b.Truncated = false
	return b
}

// TruncateResult is the outcome of bounding a text body.
type TruncateResult struct {
	Text         string
	Truncated    bool
	OriginalSize int64
}

// Truncate bounds a text body to max bytes. The returned text length is
// exactly max when truncation occurs, and OriginalSize is always the
// true length. A non-positive max disables truncation.
func Truncate(s string, max int) TruncateResult {
	r := TruncateResult{Text: s, OriginalSize: int64(len(s))}
	if max > 0 && len(s) > max {
		r.Text = s[:max]
		r.Truncated = true
	}
	return r
}

// IsBinary reports whether a body should be treated as non-text, either
// from its content type or from the bytes themselves.
func IsBinary(contentType string, data []byte) bool {
	ct := strings.ToLower(contentType)
	for _, p := range []string{"image/", "video/", "audio/", "font/", "application/octet-stream", "application/pdf", "application/zip"} {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}
	for _, b := range sample {
		if b == 0 {
			return true
		}
	}
	return !utf8.Valid(sample)
}

// Serialize converts raw body bytes into the tagged variant, bounding
// text bodies to max bytes.
func Serialize(data []byte, contentType string, max int) SerializedBody {
	if len(data) == 0 {
		return SerializedBody{Kind: BodyEmpty}
	}
	if strings.HasPrefix(strings.ToLower(contentType), "multipart/form-data") {
		return SerializedBody{Kind: BodyForm, OriginalSize: int64(len(data))}
	}
	if IsBinary(contentType, data) {
		return SerializedBody{Kind: BodyBinary, OriginalSize: int64(len(data))}
	}
	tr := Truncate(string(data), max)
	return SerializedBody{Kind: BodyText, Text: tr.Text, Truncated: tr.Truncated, OriginalSize: tr.OriginalSize}
}

// ParseRawHeaders parses a CRLF-separated header block into ordered
// pairs. Names are kept exactly as written. Malformed lines are skipped.
func ParseRawHeaders(raw string) []rules.Header {
	var out []rules.Header
	for _, line := range strings.Split(raw, "\r\n") {
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			continue
		}
		out = append(out, rules.Header{Name: name, Value: strings.TrimLeft(value, " \t")})
	}
	return out
}

// FormatRawHeaders renders ordered pairs as a CRLF-separated block, the
// shape getAllResponseHeaders-style accessors return.
func FormatRawHeaders(headers []rules.Header) string {
	var sb strings.Builder
	for _, h := range headers {
		sb.WriteString(h.Name)
		sb.WriteString(": ")
		sb.WriteString(h.Value)
		sb.WriteString("\r\n")
	}
	return sb.String()
}

// HeadersFromHTTP flattens an http.Header into ordered pairs. Key order
// is made deterministic by sorting; value order within a key is kept.
func HeadersFromHTTP(h http.Header) []rules.Header {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []rules.Header
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, rules.Header{Name: k, Value: v})
		}
	}
	return out
}

// HeadersToHTTP builds an http.Header from ordered pairs.
func HeadersToHTTP(headers []rules.Header) http.Header {
	out := make(http.Header, len(headers))
	for _, h := range headers {
		out.Add(h.Name, h.Value)
	}
	return out
}

// HeaderValue returns the first value for a name, case-insensitively.
func HeaderValue(headers []rules.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// AuthInfo describes credentials found in an Authorization header.
type AuthInfo struct {
	Scheme   string `json:"scheme"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
}

// ExtractAuth parses the Authorization header out of ordered pairs.
// Returns nil when no recognizable credentials are present.
func ExtractAuth(headers []rules.Header) *AuthInfo {
	v := HeaderValue(headers, "Authorization")
	if v == "" {
		return nil
	}
	scheme, rest, ok := strings.Cut(v, " ")
	if !ok {
		return &AuthInfo{Scheme: v}
	}
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(scheme) {
	case "basic":
		info := &AuthInfo{Scheme: "Basic"}
		if decoded, err := base64.StdEncoding.DecodeString(rest); err == nil {
			if user, _, ok := strings.Cut(string(decoded), ":"); ok {
				info.Username = user
			}
		}
		return info
	case "bearer":
		return &AuthInfo{Scheme: "Bearer", Token: rest}
	default:
		return &AuthInfo{Scheme: scheme, Token: rest}
	}
}
