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

// InboundEvent is a message pulled from a transport that supports polling.
type InboundEvent struct {
	From string
	Chat string
	Text string
}

// Receiver is implemented by transports that can be polled for new messages.
type Receiver interface {
	Receive(ctx context.Context) ([]InboundEvent, error)
}

const defaultPollInterval = 2 * time.Second

// StandardChannel is a connector with explicit start/stop around a
// stateless transport. When the transport is a Receiver, a poll loop runs
// while the channel is started.
type StandardChannel struct {
	*BaseChannel
	extend       func(*Status)
	pollInterval time.Duration

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

func newStandardChannel(opts baseOptions, extend func(*Status)) *StandardChannel {
	return &StandardChannel{
		BaseChannel:  newBase(opts),
		extend:       extend,
		pollInterval: defaultPollInterval,
	}
}

func (c *StandardChannel) Status() Status {
	st := c.BaseChannel.Status()
	if c.extend != nil {
		c.extend(&st)
	}
	return st
}

func (c *StandardChannel) Start(ctx context.Context, opts StartOptions) error {
	if !c.configured {
		return fmt.Errorf("%w: %s is not configured", ErrChannelUnavailable, c.id)
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.isRunning() {
		if !opts.Force {
			return nil
		}
		c.stopLocked()
	}

	if recv, ok := c.transport.(Receiver); ok {
		pctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.poll(pctx, recv, c.done)
	}
	c.markStarted()
	return nil
}

func (c *StandardChannel) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.isRunning() {
		return nil
	}
	c.stopLocked()
	return nil
}

func (c *StandardChannel) stopLocked() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel, c.done = nil, nil
	}
	c.markStopped()
}

func (c *StandardChannel) poll(ctx context.Context, recv Receiver, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		events, err := recv.Receive(ctx)
		if err != nil && ctx.Err() == nil {
			c.setError(err)
			c.log.Warn().Err(err).Msg("receive failed")
		}
		for _, ev := range events {
			c.HandleMessage(ctx, ev.From, ev.Chat, ev.Text)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GoogleChatChannel has no long-lived connection: it is running whenever a
// credential is configured and cannot be started or stopped.
type GoogleChatChannel struct {
	*BaseChannel
	cfg config.GoogleChatConfig
}

func NewGoogleChatChannel(cfg config.GoogleChatConfig, transport Transport, b *bus.MessageBus, probeTimeout time.Duration, log zerolog.Logger) *GoogleChatChannel {
	_, credErr := googleChatToken(cfg)
	c := &GoogleChatChannel{
		BaseChannel: newBase(baseOptions{
			ID:           GoogleChat,
			Configured:   cfg.Enabled && credErr == nil,
			Transport:    transport,
			Bus:          b,
			AllowFrom:    cfg.AllowFrom,
			RateLimit:    cfg.RateLimit,
			ProbeTimeout: probeTimeout,
			Log:          log,
		}),
		cfg: cfg,
	}
	if c.configured {
		c.markStarted()
	}
	return c
}

func (c *GoogleChatChannel) Status() Status {
	st := c.BaseChannel.Status()
	st.GoogleChatStatus = &GoogleChatStatus{
		CredentialSource: c.cfg.CredentialSource,
		AudienceType:     c.cfg.AudienceType,
		Audience:         c.cfg.Audience,
	}
	return st
}

// NewSignalChannel builds the Signal connector over signal-cli REST.
func NewSignalChannel(cfg config.SignalConfig, transport Transport, b *bus.MessageBus, probeTimeout time.Duration, log zerolog.Logger) *StandardChannel {
	return newStandardChannel(baseOptions{
		ID:           Signal,
		Configured:   cfg.Enabled && cfg.BaseURL != "" && cfg.Account != "",
		Transport:    transport,
		Bus:          b,
		AllowFrom:    cfg.AllowFrom,
		RateLimit:    cfg.RateLimit,
		ProbeTimeout: probeTimeout,
		Log:          log,
	}, func(st *Status) {
		st.SignalStatus = &SignalStatus{BaseURL: cfg.BaseURL}
	})
}

func NewSlackChannel(cfg config.SlackConfig, transport Transport, b *bus.MessageBus, probeTimeout time.Duration, log zerolog.Logger) *StandardChannel {
	return newStandardChannel(baseOptions{
		ID:           Slack,
		Configured:   cfg.Enabled && cfg.BotToken != "",
		Transport:    transport,
		Bus:          b,
		AllowFrom:    cfg.AllowFrom,
		RateLimit:    cfg.RateLimit,
		ProbeTimeout: probeTimeout,
		Log:          log,
	}, nil)
}

func NewDiscordChannel(cfg config.DiscordConfig, transport Transport, b *bus.MessageBus, probeTimeout time.Duration, log zerolog.Logger) *StandardChannel {
	return newStandardChannel(baseOptions{
		ID:           Discord,
		Configured:   cfg.Enabled && cfg.Token != "",
		Transport:    transport,
		Bus:          b,
		AllowFrom:    cfg.AllowFrom,
		RateLimit:    cfg.RateLimit,
		ProbeTimeout: probeTimeout,
		Log:          log,
	}, nil)
}

func NewIMessageChannel(cfg config.IMessageConfig, transport Transport, b *bus.MessageBus, probeTimeout time.Duration, log zerolog.Logger) *StandardChannel {
	return newStandardChannel(baseOptions{
		ID:           IMessage,
		Configured:   cfg.Enabled && cfg.CLIPath != "",
		Transport:    transport,
		Bus:          b,
		AllowFrom:    cfg.AllowFrom,
		RateLimit:    cfg.RateLimit,
		ProbeTimeout: probeTimeout,
		Log:          log,
	}, nil)
}

// NewFromConfig builds the registry with every channel variant wired to its
// real transport.
func NewFromConfig(cfg config.ChannelsConfig, b *bus.MessageBus, log zerolog.Logger) *Registry {
	timeout := cfg.ProbeTimeout()
	r := NewRegistry(cfg.ProbeTTL(), log)

	r.Register(NewWhatsAppChannel(cfg.WhatsApp, NewBridgeTransport(cfg.WhatsApp.BridgeURL, log), b, timeout, log))
	r.Register(NewDiscordChannel(cfg.Discord, NewDiscordTransport(cfg.Discord.APIBase, cfg.Discord.Token), b, timeout, log))
	r.Register(NewSlackChannel(cfg.Slack, NewSlackTransport(cfg.Slack.APIBase, cfg.Slack.BotToken), b, timeout, log))
	r.Register(NewSignalChannel(cfg.Signal, NewSignalTransport(cfg.Signal.BaseURL, cfg.Signal.Account), b, timeout, log))
	r.Register(NewIMessageChannel(cfg.IMessage, NewCLITransport(cfg.IMessage.CLIPath), b, timeout, log))
	r.Register(NewGoogleChatChannel(cfg.GoogleChat, NewGoogleChatTransport(cfg.GoogleChat), b, timeout, log))
	return r
}
