package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge answers login with a qr frame, then reports the device linked
// and connected. Every frame it receives is forwarded on got.
func fakeBridge(t *testing.T) (string, chan bridgeFrame) {
	t.Helper()
	got := make(chan bridgeFrame, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame bridgeFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			got <- frame
			switch frame.Type {
			case "login":
				_ = conn.WriteJSON(bridgeFrame{Type: "qr", QR: "2@bridge-qr"})
				_ = conn.WriteJSON(bridgeFrame{Type: "status", Status: "linked"})
				_ = conn.WriteJSON(bridgeFrame{Type: "status", Status: "connected"})
				_ = conn.WriteJSON(bridgeFrame{Type: "message", From: "555", Chat: "555", Text: "hi"})
			case "logout":
				_ = conn.WriteJSON(bridgeFrame{Type: "status", Status: "logged_out"})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), got
}

func nextEvent(t *testing.T, tr *BridgeTransport) LinkEvent {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no bridge event")
		return LinkEvent{}
	}
}

func TestBridgeTransport_LoginFlow(t *testing.T) {
	url, got := fakeBridge(t)
	tr := NewBridgeTransport(url, zerolog.Nop())
	ctx := context.Background()

	assert.True(t, tr.Probe(ctx).OK, "probe dials when disconnected")

	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	qr, err := tr.RequestQR(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "2@bridge-qr", qr)
	login := <-got
	assert.Equal(t, "login", login.Type)
	assert.True(t, login.Force)

	assert.Equal(t, EventLinked, nextEvent(t, tr).Kind)
	assert.Equal(t, EventConnected, nextEvent(t, tr).Kind)
	msg := nextEvent(t, tr)
	assert.Equal(t, EventMessage, msg.Kind)
	assert.Equal(t, "hi", msg.Text)

	require.NoError(t, tr.Send(ctx, "555", "pong"))
	send := <-got
	assert.Equal(t, bridgeFrame{Type: "send", To: "555", Text: "pong"}, send)

	assert.True(t, tr.Probe(ctx).OK, "probe pings the open connection")

	require.NoError(t, tr.Logout(ctx))
	assert.Equal(t, "logout", (<-got).Type)
	assert.Equal(t, EventLoggedOut, nextEvent(t, tr).Kind)
}

func TestBridgeTransport_NotConnected(t *testing.T) {
	tr := NewBridgeTransport("ws://127.0.0.1:1", zerolog.Nop())
	assert.ErrorIs(t, tr.Send(context.Background(), "x", "y"), errBridgeClosed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res := tr.Probe(ctx)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}
