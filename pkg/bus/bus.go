package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("bus: closed")

// MessageBus decouples chat channels and the scheduler from the agent runtime.
type MessageBus struct {
	inbound             chan InboundMessage
	outbound            chan OutboundMessage
	outboundSubscribers map[string][]func(OutboundMessage)
	subscribersMu       sync.RWMutex
	stopChan            chan struct{}
	stopOnce            sync.Once
	log                 zerolog.Logger
}

// NewMessageBus creates a new MessageBus.
func NewMessageBus(log zerolog.Logger) *MessageBus {
	return &MessageBus{
		inbound:             make(chan InboundMessage, 100),
		outbound:            make(chan OutboundMessage, 100),
		outboundSubscribers: make(map[string][]func(OutboundMessage)),
		stopChan:            make(chan struct{}),
		log:                 log.With().Str("component", "bus").Logger(),
	}
}

// PublishInbound publishes a message towards the agent runtime, blocking
// while the queue is full until ctx is done or the bus stops.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopChan:
		return ErrClosed
	}
}

// ConsumeInbound returns a channel to consume inbound messages.
func (b *MessageBus) ConsumeInbound() <-chan InboundMessage {
	return b.inbound
}

// PublishOutbound publishes a message from the agent to channels.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopChan:
		return ErrClosed
	}
}

// SubscribeOutbound subscribes to outbound messages for a specific channel.
func (b *MessageBus) SubscribeOutbound(channel string, callback func(OutboundMessage)) {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()
	b.outboundSubscribers[channel] = append(b.outboundSubscribers[channel], callback)
}

// DispatchOutbound dispatches outbound messages to subscribers until Stop.
// This should be run in a goroutine.
func (b *MessageBus) DispatchOutbound() {
	for {
		select {
		case msg := <-b.outbound:
			b.subscribersMu.RLock()
			subscribers := b.outboundSubscribers[msg.Channel]
			b.subscribersMu.RUnlock()

			if len(subscribers) == 0 {
				b.log.Warn().Str("channel", msg.Channel).Msg("dropping outbound message: no subscriber")
				continue
			}
			for _, cb := range subscribers {
				go func(callback func(OutboundMessage), message OutboundMessage) {
					defer func() {
						if r := recover(); r != nil {
							b.log.Error().Interface("panic", r).Str("channel", message.Channel).Msg("outbound subscriber panicked")
						}
					}()
					callback(message)
				}(cb, msg)
			}
		case <-b.stopChan:
			return
		}
	}
}

// Stop stops the dispatcher loop and unblocks publishers.
func (b *MessageBus) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
}

// Done is closed once the bus stops.
func (b *MessageBus) Done() <-chan struct{} {
	return b.stopChan
}
