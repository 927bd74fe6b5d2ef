package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HKUDS/nanobot-gateway/pkg/bus"
	"github.com/HKUDS/nanobot-gateway/pkg/config"
	"github.com/HKUDS/nanobot-gateway/pkg/session"
)

type fakeEndpoint struct {
	mu       sync.Mutex
	requests []runtimeRequest
	auth     []string
	delay    time.Duration
}

func (f *fakeEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req runtimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-r.Context().Done():
			return
		}
	}
	_ = json.NewEncoder(w).Encode(runtimeResponse{Content: "echo: " + req.Content})
}

func (f *fakeEndpoint) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type loopHarness struct {
	bus      *bus.MessageBus
	sessions *session.Manager
	runtime  *BusRuntime
	endpoint *fakeEndpoint
}

func newLoopHarness(t *testing.T, endpoint *fakeEndpoint) *loopHarness {
	t.Helper()
	b := bus.NewMessageBus(zerolog.Nop())
	sessions, err := session.NewManager(t.TempDir())
	require.NoError(t, err)

	cfg := config.AgentDefaults{AgentID: "main", EndpointToken: "secret", RequestTimeoutSeconds: 5}
	if endpoint != nil {
		srv := httptest.NewServer(endpoint)
		t.Cleanup(srv.Close)
		cfg.Endpoint = srv.URL
	}

	loop := NewAgentLoop(b, sessions, cfg, zerolog.Nop())
	go b.DispatchOutbound()
	go loop.Run()
	t.Cleanup(func() {
		loop.Stop()
		b.Stop()
	})
	return &loopHarness{bus: b, sessions: sessions, runtime: NewBusRuntime(b, sessions), endpoint: endpoint}
}

func TestAgentLoop_ChatRoundTrip(t *testing.T) {
	h := newLoopHarness(t, &fakeEndpoint{})

	replies := make(chan bus.OutboundMessage, 1)
	h.bus.SubscribeOutbound("slack", func(msg bus.OutboundMessage) { replies <- msg })

	require.NoError(t, h.bus.PublishInbound(context.Background(), bus.InboundMessage{
		Kind:     bus.KindChat,
		Channel:  "slack",
		SenderID: "U1",
		ChatID:   "C42",
		Content:  "hi",
	}))

	select {
	case msg := <-replies:
		assert.Equal(t, "C42", msg.ChatID)
		assert.Equal(t, "echo: hi", msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}

	ch, to, ok := h.sessions.LastRoute("main")
	require.True(t, ok)
	assert.Equal(t, "slack", ch)
	assert.Equal(t, "C42", to)

	h.endpoint.mu.Lock()
	defer h.endpoint.mu.Unlock()
	assert.Equal(t, "Bearer secret", h.endpoint.auth[0])
	assert.Equal(t, bus.KindChat, h.endpoint.requests[0].Kind)
	assert.Equal(t, "slack:C42", h.endpoint.requests[0].Session)
}

func TestBusRuntime_SubmitTurn(t *testing.T) {
	h := newLoopHarness(t, &fakeEndpoint{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.runtime.SubmitTurn(ctx, TurnRequest{AgentID: "ops", SessionKey: "agent:ops:main", Text: "status?", JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, "echo: status?", res.Text)

	h.endpoint.mu.Lock()
	defer h.endpoint.mu.Unlock()
	req := h.endpoint.requests[0]
	assert.Equal(t, bus.KindAgentTurn, req.Kind)
	assert.Equal(t, "ops", req.AgentID)
	assert.Equal(t, "agent:ops:main", req.Session)
}

func TestBusRuntime_SubmitTurnTimeout(t *testing.T) {
	h := newLoopHarness(t, &fakeEndpoint{delay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.runtime.SubmitTurn(ctx, TurnRequest{AgentID: "main", SessionKey: "k", Text: "slow"})
	assert.ErrorIs(t, err, ErrTurnTimeout)
}

func TestBusRuntime_NoEndpoint(t *testing.T) {
	h := newLoopHarness(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := h.runtime.SubmitTurn(ctx, TurnRequest{AgentID: "main", SessionKey: "k", Text: "x"})
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestBusRuntime_SystemEvent(t *testing.T) {
	h := newLoopHarness(t, &fakeEndpoint{})
	ctx := context.Background()

	require.NoError(t, h.runtime.EnqueueSystemEvent(ctx, SystemEvent{AgentID: "main", SessionKey: "agent:main:main", Text: "quiet note"}))
	s := h.sessions.GetOrCreate("agent:main:main")
	require.Len(t, s.Messages, 1)
	assert.Equal(t, session.RoleSystem, s.Messages[0].Role)
	assert.Equal(t, 0, h.endpoint.count(), "next-heartbeat events do not wake the runtime")

	require.NoError(t, h.runtime.EnqueueSystemEvent(ctx, SystemEvent{AgentID: "main", SessionKey: "agent:main:main", Text: "wake up", WakeNow: true}))
	require.Eventually(t, func() bool { return h.endpoint.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.endpoint.mu.Lock()
	defer h.endpoint.mu.Unlock()
	assert.Equal(t, bus.KindSystemEvent, h.endpoint.requests[0].Kind)
	assert.Equal(t, "wake up", h.endpoint.requests[0].Content)
}
