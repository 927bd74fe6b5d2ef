package channels

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/HKUDS/nanobot-gateway/pkg/bus"
)

type ChannelID string

const (
	WhatsApp   ChannelID = "whatsapp"
	Discord    ChannelID = "discord"
	Slack      ChannelID = "slack"
	Signal     ChannelID = "signal"
	IMessage   ChannelID = "imessage"
	GoogleChat ChannelID = "googlechat"
)

// ProbeResult is the outcome of one health check. Failures are carried in
// Error, never returned.
type ProbeResult struct {
	OK        bool   `json:"ok"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// Status is a connector's observable state. Exactly one of the embedded
// extensions is set for channels that have one.
type Status struct {
	ID          ChannelID    `json:"id"`
	Configured  bool         `json:"configured"`
	Running     bool         `json:"running"`
	LastStartAt int64        `json:"lastStartAt,omitempty"`
	LastStopAt  int64        `json:"lastStopAt,omitempty"`
	LastProbeAt int64        `json:"lastProbeAt,omitempty"`
	LastError   string       `json:"lastError,omitempty"`
	Probe       *ProbeResult `json:"probe"`

	*WhatsAppStatus
	*GoogleChatStatus
	*SignalStatus
}

type GoogleChatStatus struct {
	CredentialSource string `json:"credentialSource"`
	AudienceType     string `json:"audienceType,omitempty"`
	Audience         string `json:"audience,omitempty"`
}

type SignalStatus struct {
	BaseURL string `json:"baseUrl"`
}

// Transport is the wire side of a channel.
type Transport interface {
	Probe(ctx context.Context) ProbeResult
	Send(ctx context.Context, to, text string) error
}

// Connector is implemented by every channel.
type Connector interface {
	ID() ChannelID
	Status() Status
	Probe(ctx context.Context) ProbeResult
}

type StartOptions struct {
	// Force restarts a running connector.
	Force bool `json:"force"`
}

type Starter interface {
	Start(ctx context.Context, opts StartOptions) error
}

type Stopper interface {
	Stop(ctx context.Context) error
}

type Deliverer interface {
	Deliver(ctx context.Context, to, text string) error
}

type baseOptions struct {
	ID           ChannelID
	Configured   bool
	Transport    Transport
	Bus          *bus.MessageBus
	AllowFrom    []string
	RateLimit    float64 // messages per second, <= 0 unlimited
	ProbeTimeout time.Duration
	Log          zerolog.Logger
}

// BaseChannel provides the state and behaviour shared by all channels.
type BaseChannel struct {
	id           ChannelID
	configured   bool
	transport    Transport
	bus          *bus.MessageBus
	allowFrom    []string
	limiter      *rate.Limiter
	probeTimeout time.Duration
	probes       singleflight.Group
	log          zerolog.Logger
	now          func() time.Time

	mu            sync.RWMutex
	running       bool
	lastStartAt   time.Time
	lastStopAt    time.Time
	lastProbeAt   time.Time
	lastMessageAt time.Time
	lastError     string
	probe         *ProbeResult
}

func newBase(opts baseOptions) *BaseChannel {
	limit, burst := rate.Inf, 1
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
		burst = int(math.Max(1, math.Ceil(opts.RateLimit)))
	}
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BaseChannel{
		id:           opts.ID,
		configured:   opts.Configured,
		transport:    opts.Transport,
		bus:          opts.Bus,
		allowFrom:    opts.AllowFrom,
		limiter:      rate.NewLimiter(limit, burst),
		probeTimeout: timeout,
		log:          opts.Log.With().Str("channel", string(opts.ID)).Logger(),
		now:          time.Now,
	}
}

func (c *BaseChannel) ID() ChannelID { return c.id }

func (c *BaseChannel) Configured() bool { return c.configured }

func (c *BaseChannel) isRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Status returns the common part of the channel's state.
func (c *BaseChannel) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		ID:          c.id,
		Configured:  c.configured,
		Running:     c.running,
		LastStartAt: msOrZero(c.lastStartAt),
		LastStopAt:  msOrZero(c.lastStopAt),
		LastProbeAt: msOrZero(c.lastProbeAt),
		LastError:   c.lastError,
	}
	if c.probe != nil {
		p := *c.probe
		st.Probe = &p
	}
	return st
}

func (c *BaseChannel) markStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	c.lastStartAt = c.now()
	c.lastError = ""
	c.log.Info().Msg("channel started")
}

func (c *BaseChannel) markStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.lastStopAt = c.now()
	c.log.Info().Msg("channel stopped")
}

func (c *BaseChannel) setError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = err.Error()
}

// Probe checks the channel's health. Concurrent callers share one in-flight
// check, which runs detached from their contexts under probeTimeout.
func (c *BaseChannel) Probe(ctx context.Context) ProbeResult {
	ch := c.probes.DoChan("probe", func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(context.Background(), c.probeTimeout)
		defer cancel()

		started := c.now()
		var res ProbeResult
		if !c.configured || c.transport == nil {
			res = ProbeResult{OK: false, Error: "not configured"}
		} else {
			res = c.transport.Probe(pctx)
		}
		res.ElapsedMs = c.now().Sub(started).Milliseconds()

		c.mu.Lock()
		c.lastProbeAt = c.now()
		c.probe = &res
		c.mu.Unlock()

		if !res.OK {
			c.log.Warn().Str("error", res.Error).Int("status", res.Status).Msg("probe failed")
		}
		return res, nil
	})

	select {
	case r := <-ch:
		return r.Val.(ProbeResult)
	case <-ctx.Done():
		return ProbeResult{OK: false, Error: ctx.Err().Error()}
	}
}

// Deliver sends text through the transport, subject to the channel's rate
// limit. Every failure wraps ErrChannelUnavailable.
func (c *BaseChannel) Deliver(ctx context.Context, to, text string) error {
	if !c.configured || c.transport == nil {
		return fmt.Errorf("%w: %s is not configured", ErrChannelUnavailable, c.id)
	}
	if !c.isRunning() {
		return fmt.Errorf("%w: %s is not running", ErrChannelUnavailable, c.id)
	}
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("%w: %s: empty recipient", ErrChannelUnavailable, c.id)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s: rate limit: %v", ErrChannelUnavailable, c.id, err)
	}
	if err := c.transport.Send(ctx, to, text); err != nil {
		c.setError(err)
		c.log.Warn().Err(err).Str("to", to).Msg("delivery failed")
		return fmt.Errorf("%w: %s: %v", ErrChannelUnavailable, c.id, err)
	}
	return nil
}

// IsAllowed checks if a sender is allowed to use this bot.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}

	for _, allowed := range c.allowFrom {
		if allowed == senderID {
			return true
		}
		// Composite IDs like "id|username".
		if strings.Contains(senderID, "|") {
			for _, part := range strings.Split(senderID, "|") {
				if part == allowed {
					return true
				}
			}
		}
	}
	return false
}

// HandleMessage records an inbound message and publishes it on the bus.
func (c *BaseChannel) HandleMessage(ctx context.Context, senderID, chatID, content string) {
	if !c.IsAllowed(senderID) {
		c.log.Debug().Str("sender", senderID).Msg("ignoring message from sender not in allowFrom")
		return
	}

	now := c.now()
	c.mu.Lock()
	c.lastMessageAt = now
	c.mu.Unlock()

	if c.bus == nil {
		return
	}
	msg := bus.InboundMessage{
		Kind:      bus.KindChat,
		Channel:   string(c.id),
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Timestamp: now,
	}
	if err := c.bus.PublishInbound(ctx, msg); err != nil {
		c.log.Error().Err(err).Msg("publish inbound message")
	}
}

func (c *BaseChannel) lastMessage() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMessageAt
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
