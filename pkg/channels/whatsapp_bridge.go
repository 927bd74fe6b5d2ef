package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// bridgeFrame is the JSON frame exchanged with the WhatsApp bridge in both
// directions.
type bridgeFrame struct {
	Type   string `json:"type"`
	QR     string `json:"qr,omitempty"`
	Status string `json:"status,omitempty"`
	From   string `json:"from,omitempty"`
	Chat   string `json:"chat,omitempty"`
	To     string `json:"to,omitempty"`
	Text   string `json:"text,omitempty"`
	Force  bool   `json:"force,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	bridgeWriteTimeout = 10 * time.Second
	bridgeEventBuffer  = 64
)

var errBridgeClosed = errors.New("whatsapp bridge: not connected")

// BridgeTransport speaks to a local WhatsApp bridge over a websocket.
type BridgeTransport struct {
	url    string
	dialer *websocket.Dialer
	log    zerolog.Logger
	events chan LinkEvent

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	qrWait  chan string
}

func NewBridgeTransport(url string, log zerolog.Logger) *BridgeTransport {
	return &BridgeTransport{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log.With().Str("component", "whatsapp-bridge").Logger(),
		events: make(chan LinkEvent, bridgeEventBuffer),
	}
}

func (t *BridgeTransport) Events() <-chan LinkEvent { return t.events }

func (t *BridgeTransport) Connect(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}

	go t.readLoop(conn)
	return nil
}

func (t *BridgeTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return conn.Close()
}

func (t *BridgeTransport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *BridgeTransport) write(frame bridgeFrame) error {
	conn := t.current()
	if conn == nil {
		return errBridgeClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	return conn.WriteJSON(frame)
}

func (t *BridgeTransport) readLoop(conn *websocket.Conn) {
	for {
		var frame bridgeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if t.current() == conn {
				t.emit(LinkEvent{Kind: EventDisconnected, Err: err})
			}
			return
		}

		switch frame.Type {
		case "qr":
			t.mu.Lock()
			wait := t.qrWait
			t.qrWait = nil
			t.mu.Unlock()
			if wait != nil {
				wait <- frame.QR
			}
		case "status":
			switch frame.Status {
			case "linked":
				t.emit(LinkEvent{Kind: EventLinked})
			case "connected":
				t.emit(LinkEvent{Kind: EventConnected})
			case "disconnected":
				t.emit(LinkEvent{Kind: EventDisconnected})
			case "logged_out":
				t.emit(LinkEvent{Kind: EventLoggedOut})
			default:
				t.log.Debug().Str("status", frame.Status).Msg("ignoring bridge status")
			}
		case "message":
			t.emit(LinkEvent{Kind: EventMessage, From: frame.From, Chat: frame.Chat, Text: frame.Text})
		case "error":
			t.emit(LinkEvent{Kind: EventError, Err: errors.New(frame.Error)})
		default:
			t.log.Debug().Str("type", frame.Type).Msg("ignoring bridge frame")
		}
	}
}

// emit never blocks the read loop; events are dropped when nobody consumes.
func (t *BridgeTransport) emit(ev LinkEvent) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn().Str("event", string(ev.Kind)).Msg("bridge event dropped")
	}
}

// RequestQR asks the bridge for a login QR and waits for it.
func (t *BridgeTransport) RequestQR(ctx context.Context, force bool) (string, error) {
	wait := make(chan string, 1)
	t.mu.Lock()
	t.qrWait = wait
	t.mu.Unlock()

	if err := t.write(bridgeFrame{Type: "login", Force: force}); err != nil {
		return "", err
	}
	select {
	case qr := <-wait:
		return qr, nil
	case <-ctx.Done():
		t.mu.Lock()
		if t.qrWait == wait {
			t.qrWait = nil
		}
		t.mu.Unlock()
		return "", ctx.Err()
	}
}

func (t *BridgeTransport) Logout(ctx context.Context) error {
	return t.write(bridgeFrame{Type: "logout"})
}

func (t *BridgeTransport) Send(ctx context.Context, to, text string) error {
	return t.write(bridgeFrame{Type: "send", To: to, Text: text})
}

// Probe pings an open connection, or dials and closes a fresh one.
func (t *BridgeTransport) Probe(ctx context.Context) ProbeResult {
	if conn := t.current(); conn != nil {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(bridgeWriteTimeout)
		}
		t.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, deadline)
		t.writeMu.Unlock()
		return probeFrom(0, err)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return probeFrom(status, err)
	}
	conn.Close()
	return probeFrom(status, nil)
}
