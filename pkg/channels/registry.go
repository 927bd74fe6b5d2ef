package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry owns the closed set of connectors, keyed by channel id.
type Registry struct {
	probeTTL time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu         sync.RWMutex
	connectors map[ChannelID]Connector
	order      []ChannelID
}

func NewRegistry(probeTTL time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		probeTTL:   probeTTL,
		log:        log,
		now:        time.Now,
		connectors: make(map[ChannelID]Connector),
	}
}

// Register adds a connector, replacing any existing one with the same id.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connectors[c.ID()]; !ok {
		r.order = append(r.order, c.ID())
	}
	r.connectors[c.ID()] = c
}

func (r *Registry) Get(id ChannelID) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	return c, nil
}

func (r *Registry) Status(id ChannelID) (Status, error) {
	c, err := r.Get(id)
	if err != nil {
		return Status{}, err
	}
	return c.Status(), nil
}

// StatusAll returns every connector's status in registration order.
func (r *Registry) StatusAll() []Status {
	r.mu.RLock()
	conns := make([]Connector, 0, len(r.order))
	for _, id := range r.order {
		conns = append(conns, r.connectors[id])
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	return out
}

// Probe returns the cached probe result when it is younger than the probe
// TTL and force is false; otherwise it runs a fresh probe.
func (r *Registry) Probe(ctx context.Context, id ChannelID, force bool) (ProbeResult, error) {
	c, err := r.Get(id)
	if err != nil {
		return ProbeResult{}, err
	}
	if !force && r.probeTTL > 0 {
		st := c.Status()
		if st.Probe != nil && st.LastProbeAt > 0 &&
			r.now().Sub(time.UnixMilli(st.LastProbeAt)) < r.probeTTL {
			return *st.Probe, nil
		}
	}
	return c.Probe(ctx), nil
}

func (r *Registry) Start(ctx context.Context, id ChannelID, opts StartOptions) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	s, ok := c.(Starter)
	if !ok {
		return fmt.Errorf("%w: %s cannot be started", ErrUnsupported, id)
	}
	return s.Start(ctx, opts)
}

func (r *Registry) Stop(ctx context.Context, id ChannelID) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	s, ok := c.(Stopper)
	if !ok {
		return fmt.Errorf("%w: %s cannot be stopped", ErrUnsupported, id)
	}
	return s.Stop(ctx)
}

// Deliver sends text to a recipient on the named channel.
func (r *Registry) Deliver(ctx context.Context, channel, to, text string) error {
	c, err := r.Get(ChannelID(channel))
	if err != nil {
		return err
	}
	d, ok := c.(Deliverer)
	if !ok {
		return fmt.Errorf("%w: %s cannot deliver", ErrUnsupported, channel)
	}
	return d.Deliver(ctx, to, text)
}

// StartAll starts every configured connector that supports it. Failures are
// logged and do not stop the others.
func (r *Registry) StartAll(ctx context.Context) {
	for _, st := range r.StatusAll() {
		if !st.Configured {
			continue
		}
		err := r.Start(ctx, st.ID, StartOptions{})
		switch {
		case err == nil:
		case errors.Is(err, ErrUnsupported):
		default:
			r.log.Error().Err(err).Str("channel", string(st.ID)).Msg("start channel")
		}
	}
}

func (r *Registry) StopAll(ctx context.Context) {
	for _, st := range r.StatusAll() {
		if !st.Running {
			continue
		}
		if err := r.Stop(ctx, st.ID); err != nil && !errors.Is(err, ErrUnsupported) {
			r.log.Error().Err(err).Str("channel", string(st.ID)).Msg("stop channel")
		}
	}
}

// WhatsApp returns the WhatsApp connector, if registered.
func (r *Registry) WhatsApp() (*WhatsAppChannel, error) {
	c, err := r.Get(WhatsApp)
	if err != nil {
		return nil, err
	}
	wa, ok := c.(*WhatsAppChannel)
	if !ok {
		return nil, fmt.Errorf("%w: whatsapp link", ErrUnsupported)
	}
	return wa, nil
}
