package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/HKUDS/nanobot-gateway/pkg/bus"
	"github.com/HKUDS/nanobot-gateway/pkg/config"
)

type LinkEventKind string

const (
	EventLinked       LinkEventKind = "linked"
	EventConnected    LinkEventKind = "connected"
	EventDisconnected LinkEventKind = "disconnected"
	EventLoggedOut    LinkEventKind = "logged_out"
	EventMessage      LinkEventKind = "message"
	EventError        LinkEventKind = "error"
)

// LinkEvent is pushed by a LinkTransport as the device session changes.
type LinkEvent struct {
	Kind LinkEventKind
	From string
	Chat string
	Text string
	Err  error
}

// LinkTransport is a Transport with a device-link lifecycle.
type LinkTransport interface {
	Transport
	Connect(ctx context.Context) error
	Close() error
	RequestQR(ctx context.Context, force bool) (string, error)
	Logout(ctx context.Context) error
	Events() <-chan LinkEvent
}

type LinkState string

const (
	LinkUnlinked     LinkState = "unlinked"
	LinkAwaitingScan LinkState = "awaiting_scan"
	LinkLinked       LinkState = "linked"
	LinkConnected    LinkState = "connected"
	LinkError        LinkState = "error"
)

// LinkInfo describes a pending link. QR and ExpiresAtMs are set only while
// awaiting a scan.
type LinkInfo struct {
	State       LinkState `json:"state"`
	QR          string    `json:"qr,omitempty"`
	ExpiresAtMs int64     `json:"expiresAt,omitempty"`
}

type WhatsAppStatus struct {
	Linked          bool      `json:"linked"`
	Connected       bool      `json:"connected"`
	LastConnectedAt int64     `json:"lastConnectedAt,omitempty"`
	LastMessageAt   int64     `json:"lastMessageAt,omitempty"`
	AuthAgeMs       *int64    `json:"authAgeMs"`
	LinkState       LinkState `json:"linkState"`
	Link            *LinkInfo `json:"link,omitempty"`
}

const defaultQRTTL = 60 * time.Second

type WhatsAppChannel struct {
	*BaseChannel
	link  LinkTransport
	qrTTL time.Duration

	lifecycle sync.Mutex
	pumpStop  chan struct{}
	pumpDone  chan struct{}

	lmu             sync.Mutex
	state           LinkState
	qr              string
	expiresAt       time.Time
	linkBusy        bool
	linkGen         uint64 // bumped whenever a pending link is abandoned
	linkErr         error
	authAt          time.Time
	lastConnectedAt time.Time
	changed         chan struct{}
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, link LinkTransport, b *bus.MessageBus, probeTimeout time.Duration, log zerolog.Logger) *WhatsAppChannel {
	ttl := time.Duration(cfg.QRTimeoutSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultQRTTL
	}
	return &WhatsAppChannel{
		BaseChannel: newBase(baseOptions{
			ID:           WhatsApp,
			Configured:   cfg.Enabled && cfg.BridgeURL != "",
			Transport:    link,
			Bus:          b,
			AllowFrom:    cfg.AllowFrom,
			RateLimit:    cfg.RateLimit,
			ProbeTimeout: probeTimeout,
			Log:          log,
		}),
		link:    link,
		qrTTL:   ttl,
		state:   LinkUnlinked,
		changed: make(chan struct{}),
	}
}

// Start connects to the bridge and begins consuming its events.
func (c *WhatsAppChannel) Start(ctx context.Context, opts StartOptions) error {
	if !c.configured || c.link == nil {
		return fmt.Errorf("%w: whatsapp is not configured", ErrChannelUnavailable)
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.isRunning() {
		if !opts.Force {
			return nil
		}
		c.stopLocked()
	}

	if err := c.link.Connect(ctx); err != nil {
		c.setError(err)
		c.fail(err)
		return fmt.Errorf("%w: whatsapp: %v", ErrChannelUnavailable, err)
	}

	c.pumpStop = make(chan struct{})
	c.pumpDone = make(chan struct{})
	go c.pump(c.link.Events(), c.pumpStop, c.pumpDone)

	c.markStarted()
	return nil
}

func (c *WhatsAppChannel) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.isRunning() {
		return nil
	}
	c.stopLocked()
	return nil
}

func (c *WhatsAppChannel) stopLocked() {
	close(c.pumpStop)
	<-c.pumpDone
	if err := c.link.Close(); err != nil {
		c.log.Warn().Err(err).Msg("close bridge")
	}

	c.lmu.Lock()
	if c.state == LinkConnected {
		c.state = LinkLinked
		c.notifyLocked()
	}
	c.lmu.Unlock()

	c.markStopped()
}

// Deliver sends only while the device session is connected.
func (c *WhatsAppChannel) Deliver(ctx context.Context, to, text string) error {
	if state := c.LinkState(); state != LinkConnected {
		return fmt.Errorf("%w: whatsapp is %s", ErrChannelUnavailable, state)
	}
	return c.BaseChannel.Deliver(ctx, to, text)
}

func (c *WhatsAppChannel) LinkState() LinkState {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	return c.state
}

func (c *WhatsAppChannel) Status() Status {
	st := c.BaseChannel.Status()
	now := c.now()

	c.lmu.Lock()
	defer c.lmu.Unlock()

	wa := &WhatsAppStatus{
		Linked:          c.state == LinkLinked || c.state == LinkConnected,
		Connected:       c.state == LinkConnected,
		LastConnectedAt: msOrZero(c.lastConnectedAt),
		LastMessageAt:   msOrZero(c.lastMessage()),
		LinkState:       c.state,
	}
	if !c.authAt.IsZero() {
		age := now.Sub(c.authAt).Milliseconds()
		wa.AuthAgeMs = &age
	}
	if c.state == LinkAwaitingScan {
		info := c.linkInfoLocked()
		wa.Link = &info
	}
	st.WhatsAppStatus = wa
	return st
}

func (c *WhatsAppChannel) pump(events <-chan LinkEvent, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *WhatsAppChannel) handleEvent(ev LinkEvent) {
	if ev.Kind == EventMessage {
		c.HandleMessage(context.Background(), ev.From, ev.Chat, ev.Text)
		return
	}

	now := c.now()
	c.lmu.Lock()
	defer c.lmu.Unlock()

	switch ev.Kind {
	case EventLinked:
		if c.state != LinkConnected {
			c.state = LinkLinked
		}
		c.clearQRLocked()
		c.authAt = now
		c.linkErr = nil
	case EventConnected:
		if c.authAt.IsZero() {
			c.authAt = now
		}
		c.clearQRLocked()
		c.state = LinkConnected
		c.lastConnectedAt = now
		c.linkErr = nil
	case EventDisconnected:
		if c.state == LinkConnected {
			c.state = LinkLinked
		}
	case EventLoggedOut:
		c.state = LinkUnlinked
		c.clearQRLocked()
		c.authAt = time.Time{}
	case EventError:
		c.state = LinkError
		c.linkErr = ev.Err
		if ev.Err != nil {
			c.BaseChannel.setError(ev.Err)
		}
	default:
		return
	}
	c.log.Debug().Str("event", string(ev.Kind)).Str("state", string(c.state)).Msg("link event")
	c.notifyLocked()
}

func (c *WhatsAppChannel) fail(err error) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.state = LinkError
	c.linkErr = err
	c.linkGen++
	c.clearQRLocked()
	c.notifyLocked()
}

func (c *WhatsAppChannel) linkInfoLocked() LinkInfo {
	info := LinkInfo{State: c.state}
	if c.state == LinkAwaitingScan {
		info.QR = c.qr
		info.ExpiresAtMs = msOrZero(c.expiresAt)
	}
	return info
}

func (c *WhatsAppChannel) clearQRLocked() {
	c.qr = ""
	c.expiresAt = time.Time{}
}

// notifyLocked wakes everyone waiting on the current state.
func (c *WhatsAppChannel) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
