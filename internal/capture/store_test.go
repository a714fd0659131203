package capture

import (
	"fmt"
	"testing"

	"github.com/breakwire/breakwire/internal/bodyutil"
	"github.com/breakwire/breakwire/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textBody(s string) bodyutil.SerializedBody {
	return bodyutil.SerializedBody{Kind: bodyutil.BodyText, Text: s, OriginalSize: int64(len(s))}
}

func TestStore_AddAndComplete(t *testing.T) {
	t.Run("request then response phases share one entry", func(t *testing.T) {
		s := NewStore(DefaultConfig())
		ok := s.AddRequest("id-1", Request{Method: "GET", URL: "https://example.com/a"})
		require.True(t, ok)

		ok = s.SetResponse("id-1", Response{Status: 200, StatusText: "OK", Body: "hi", Size: 2})
		require.True(t, ok)

		e := s.Get("id-1")
		require.NotNil(t, e)
		assert.True(t, e.Completed())
		assert.Equal(t, 200, e.Response.Status)
	})

	t.Run("error completion", func(t *testing.T) {
		s := NewStore(DefaultConfig())
		s.AddRequest("id-1", Request{Method: "GET", URL: "https://example.com/a"})
		require.True(t, s.SetError("id-1", "connection refused"))
		assert.Equal(t, "connection refused", s.Get("id-1").Error)
	})

	t.Run("completing an unknown id is dropped", func(t *testing.T) {
		s := NewStore(DefaultConfig())
		assert.False(t, s.SetResponse("ghost", Response{Status: 200}))
		assert.False(t, s.SetError("ghost", "x"))
	})
}

func TestStore_CopyOnRead(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.AddRequest("id-1", Request{
		Method:  "GET",
		URL:     "https://example.com/a",
		Headers: []rules.Header{{Name: "Accept", Value: "text/plain"}},
	})

	got := s.Get("id-1")
	listed := s.All()[0]
	require.True(t, s.SetResponse("id-1", Response{Status: 200, StatusText: "OK"}))

	assert.Nil(t, got.Response, "entries from Get are detached from the ring")
	assert.Nil(t, listed.Response, "entries from List are detached from the ring")

	got.Request.Headers[0].Value = "mutated"
	assert.Equal(t, "text/plain", s.Get("id-1").Request.Headers[0].Value)
}

func TestStore_Ring(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 3
	s := NewStore(cfg)

	for i := 0; i < 5; i++ {
		s.AddRequest(fmt.Sprintf("id-%d", i), Request{Method: "GET", URL: "https://example.com/"})
	}

	assert.Equal(t, 3, s.Count())
	assert.Nil(t, s.Get("id-0"), "oldest entries rotate out")
	assert.Nil(t, s.Get("id-1"))
	assert.NotNil(t, s.Get("id-4"))

	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, "id-4", all[0].ID, "newest first")
}

func TestStore_Pause(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.SetPaused(true)
	assert.True(t, s.Paused())

	assert.False(t, s.AddRequest("id-1", Request{Method: "GET"}))
	assert.Equal(t, 0, s.Count())

	s.SetPaused(false)
	assert.True(t, s.AddRequest("id-1", Request{Method: "GET"}))
}

func TestStore_BodyToggles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CaptureRequestBodies = false
	cfg.CaptureResponseBodies = false
	s := NewStore(cfg)

	s.AddRequest("id-1", Request{Method: "POST", URL: "https://example.com/", Body: textBody("secret")})
	s.SetResponse("id-1", Response{Status: 200, Body: "payload", Size: 7})

	e := s.Get("id-1")
	assert.Empty(t, e.Request.Body.Text)
	assert.EqualValues(t, 6, e.Request.Body.OriginalSize, "size metadata survives")
	assert.Empty(t, e.Response.Body)
	assert.EqualValues(t, 7, e.Response.Size)
}

func TestStore_Reconfigure(t *testing.T) {
	s := NewStore(DefaultConfig())
	for i := 0; i < 10; i++ {
		s.AddRequest(fmt.Sprintf("id-%d", i), Request{Method: "GET", URL: "https://example.com/"})
	}

	cfg := s.Config()
	cfg.MaxEntries = 4
	s.Reconfigure(cfg)

	assert.Equal(t, 4, s.Count())
	all := s.All()
	assert.Equal(t, "id-9", all[0].ID)
	assert.Equal(t, "id-6", all[3].ID)

	// Growing keeps everything.
	cfg.MaxEntries = 100
	s.Reconfigure(cfg)
	assert.Equal(t, 4, s.Count())
	s.AddRequest("id-new", Request{Method: "GET", URL: "https://example.com/"})
	assert.Equal(t, 5, s.Count())
}

func TestStore_ListFiltering(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.AddRequest("a", Request{Method: "GET", URL: "https://api.example.com/users"})
	s.SetResponse("a", Response{Status: 200})
	s.AddRequest("b", Request{Method: "POST", URL: "https://api.example.com/users"})
	s.SetResponse("b", Response{Status: 201, Mocked: true})
	s.AddRequest("c", Request{Method: "GET", URL: "https://other.com/page"})
	s.SetError("c", "timeout")

	assert.Len(t, s.List(FilterOptions{Method: "get"}), 2)
	assert.Len(t, s.List(FilterOptions{Host: "*.example.com"}), 2)
	assert.Len(t, s.List(FilterOptions{StatusMin: 201}), 1)
	assert.Len(t, s.List(FilterOptions{MockedOnly: true}), 1)
	assert.Len(t, s.List(FilterOptions{ErrorsOnly: true}), 1)
	assert.Len(t, s.List(FilterOptions{Search: "timeout"}), 1)
	assert.Len(t, s.List(FilterOptions{Limit: 1}), 1)
}

func TestStore_ClearAndStats(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.AddRequest("a", Request{Method: "GET", URL: "https://example.com/"})
	s.SetResponse("a", Response{Status: 200, Mocked: true})
	s.AddRequest("b", Request{Method: "GET", URL: "https://example.com/"})
	s.SetError("b", "boom")

	st := s.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Mocked)
	assert.Equal(t, 1, st.Errors)
	assert.Equal(t, 2, st.MethodCounts["GET"])
	assert.Equal(t, 1, st.StatusCounts[200])

	s.Clear()
	assert.Equal(t, 0, s.Count())
	assert.Nil(t, s.Get("a"))
}
