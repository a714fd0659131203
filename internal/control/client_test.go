package control

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breakwire/breakwire/internal/breakpoint"
	"github.com/breakwire/breakwire/internal/engine"
	"github.com/breakwire/breakwire/internal/rules"
)

func newTestClient(t *testing.T) (*Client, *engine.Engine) {
	t.Helper()

	eng := engine.New(engine.DefaultConfig(), zerolog.Nop())
	srv := NewServer(eng, zerolog.Nop())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
		eng.Close()
	})

	client, err := Dial(context.Background(), "ws"+strings.TrimPrefix(hs.URL, "http"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, eng
}

func TestClient_SyncRules(t *testing.T) {
	client, eng := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.SyncMockRules(ctx, []rules.MockRule{{
		ID:         "m1",
		URLPattern: rules.URLPattern{Host: "api.example.com"},
		Status:     204,
		Enabled:    true,
	}}))
	assert.Len(t, eng.MockRules(), 1)

	err := client.SyncBreakpointRules(ctx, []rules.BreakpointRule{{
		ID:      "bad",
		Trigger: "sometimes",
	}})
	assert.Error(t, err)
}

func TestClient_BreakpointFlow(t *testing.T) {
	client, eng := newTestClient(t)
	ctx := context.Background()

	type outcome struct {
		mods *rules.Modifications
		err  error
	}
	results := make(chan outcome, 1)
	go func() {
		pending := eng.Suspend("r1", breakpoint.Snapshot{
			RuleID: "bp1", Trigger: rules.TriggerRequest, Method: "GET", URL: "https://api.example.com/a",
		})
		mods, err := pending.Wait(ctx)
		results <- outcome{mods, err}
	}()

	var hit engine.Event
	deadline := time.After(2 * time.Second)
	for hit.Type != engine.EventBreakpointHit {
		select {
		case ev, ok := <-client.Events():
			require.True(t, ok)
			hit = ev
		case <-deadline:
			t.Fatal("breakpoint-hit never arrived")
		}
	}
	assert.Equal(t, "r1", hit.RequestID)
	require.NotNil(t, hit.Snapshot)
	assert.Equal(t, "bp1", hit.Snapshot.RuleID)

	body := "patched"
	require.NoError(t, client.ResumeBreakpoint(ctx, "r1", &rules.Modifications{
		Request: &rules.RequestModifications{Body: &body},
	}))

	res := <-results
	require.NoError(t, res.err)
	require.NotNil(t, res.mods)
	assert.Equal(t, "patched", *res.mods.Request.Body)
}

func TestClient_ResumeUnknown(t *testing.T) {
	client, _ := newTestClient(t)
	assert.Error(t, client.ResumeBreakpoint(context.Background(), "ghost", nil))
}

func TestClient_CommandContext(t *testing.T) {
	client, _ := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Do(ctx, CmdStats, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_ClosedRejectsCommands(t *testing.T) {
	client, _ := newTestClient(t)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Do(context.Background(), CmdStats, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}
