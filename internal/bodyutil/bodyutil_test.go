package bodyutil

import (
	"net/http"
	"strings"
	"testing"

	"github.com/breakwire/breakwire/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	t.Run("short body passes through", func(t *testing.T) {
		r := Truncate("hello", 100)
		assert.Equal(t, "hello", r.Text)
		assert.False(t, r.Truncated)
		assert.EqualValues(t, 5, r.OriginalSize)
	})

	t.Run("long body truncates to exactly max", func(t *testing.T) {
		body := strings.Repeat("x", 500)
		r := Truncate(body, 128)
		assert.True(t, r.Truncated)
		assert.Len(t, r.Text, 128)
		assert.EqualValues(t, 500, r.OriginalSize)
	})

	t.Run("non-positive max disables truncation", func(t *testing.T) {
		body := strings.Repeat("x", 500)
		r := Truncate(body, 0)
		assert.False(t, r.Truncated)
		assert.Len(t, r.Text, 500)
	})
}

func TestIsBinary(t *testing.T) {
	t.Run("detects by content type", func(t *testing.T) {
		assert.True(t, IsBinary("image/png", nil))
		assert.True(t, IsBinary("application/octet-stream", []byte("text")))
		assert.False(t, IsBinary("application/json", []byte(`{}`)))
	})

	t.Run("detects null bytes", func(t *testing.T) {
		assert.True(t, IsBinary("", []byte{0x89, 0x50, 0x00, 0x47}))
	})

	t.Run("detects invalid utf8", func(t *testing.T) {
		assert.True(t, IsBinary("", []byte{0xff, 0xfe, 0xfd}))
		assert.False(t, IsBinary("", []byte("plain text")))
	})
}

func TestSerialize(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		b := Serialize(nil, "", 100)
		assert.Equal(t, BodyEmpty, b.Kind)
	})

	t.Run("text body with truncation", func(t *testing.T) {
		b := Serialize([]byte(strings.Repeat("a", 10)), "text/plain", 4)
		assert.Equal(t, BodyText, b.Kind)
		assert.Equal(t, "aaaa", b.Text)
		assert.True(t, b.Truncated)
		assert.EqualValues(t, 10, b.OriginalSize)
	})

	t.Run("form data becomes placeholder", func(t *testing.T) {
		b := Serialize([]byte("--boundary"), "multipart/form-data; boundary=boundary", 100)
		assert.Equal(t, BodyForm, b.Kind)
		assert.Equal(t, "[form data]", b.Placeholder())
	})

	t.Run("binary body becomes placeholder with size", func(t *testing.T) {
		b := Serialize([]byte{0x00, 0x01, 0x02}, "", 100)
		assert.Equal(t, BodyBinary, b.Kind)
		assert.EqualValues(t, 3, b.OriginalSize)
		assert.Equal(t, "[binary body]", b.Placeholder())
	})
}

func TestParseRawHeaders(t *testing.T) {
	t.Run("parses ordered pairs without case normalization", func(t *testing.T) {
		raw := "content-type: application/json\r\nX-Custom: a\r\nX-Custom: b\r\n"
		hs := ParseRawHeaders(raw)
		require.Len(t, hs, 3)
		assert.Equal(t, "content-type", hs[0].Name)
		assert.Equal(t, "application/json", hs[0].Value)
		assert.Equal(t, "X-Custom", hs[1].Name)
		assert.Equal(t, "a", hs[1].Value)
		assert.Equal(t, "b", hs[2].Value)
	})

	t.Run("skips malformed lines", func(t *testing.T) {
		hs := ParseRawHeaders("no-colon-here\r\nok: yes\r\n\r\n")
		require.Len(t, hs, 1)
		assert.Equal(t, "ok", hs[0].Name)
	})
}

func TestFormatRawHeaders(t *testing.T) {
	hs := []rules.Header{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}}
	assert.Equal(t, "A: 1\r\nB: 2\r\n", FormatRawHeaders(hs))

	parsed := ParseRawHeaders(FormatRawHeaders(hs))
	assert.Equal(t, hs, parsed)
}

func TestHeaderConversions(t *testing.T) {
	t.Run("http header round trip", func(t *testing.T) {
		h := http.Header{}
		h.Add("Content-Type", "text/plain")
		h.Add("X-Many", "1")
		h.Add("X-Many", "2")

		pairs := HeadersFromHTTP(h)
		require.Len(t, pairs, 3)
		back := HeadersToHTTP(pairs)
		assert.Equal(t, h, back)
	})

	t.Run("header value lookup is case-insensitive", func(t *testing.T) {
		pairs := []rules.Header{{Name: "content-type", Value: "text/html"}}
		assert.Equal(t, "text/html", HeaderValue(pairs, "Content-Type"))
		assert.Equal(t, "", HeaderValue(pairs, "Missing"))
	})
}

func TestExtractAuth(t *testing.T) {
	t.Run("no authorization header", func(t *testing.T) {
		assert.Nil(t, ExtractAuth([]rules.Header{{Name: "Accept", Value: "*/*"}}))
	})

	t.Run("basic auth username", func(t *testing.T) {
		// admin:secret
		info := ExtractAuth([]rules.Header{{Name: "Authorization", Value: "Basic YWRtaW46c2VjcmV0"}})
		require.NotNil(t, info)
		assert.Equal(t, "Basic", info.Scheme)
		assert.Equal(t, "admin", info.Username)
	})

	t.Run("bearer token", func(t *testing.T) {
		info := ExtractAuth([]rules.Header{{Name: "authorization", Value: "Bearer tok123"}})
		require.NotNil(t, info)
		assert.Equal(t, "Bearer", info.Scheme)
		assert.Equal(t, "tok123", info.Token)
	})
}
