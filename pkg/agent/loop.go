package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/HKUDS/nanobot-gateway/pkg/bus"
	"github.com/HKUDS/nanobot-gateway/pkg/config"
	"github.com/HKUDS/nanobot-gateway/pkg/session"
)

// AgentLoop consumes inbound bus traffic and forwards it to an
// out-of-process agent runtime over HTTP.
type AgentLoop struct {
	Bus      *bus.MessageBus
	Sessions *session.Manager
	AgentID  string
	Endpoint string
	Token    string

	client   *http.Client
	log      zerolog.Logger
	stopChan chan struct{}
}

// NewAgentLoop creates a new AgentLoop.
func NewAgentLoop(b *bus.MessageBus, sessions *session.Manager, cfg config.AgentDefaults, log zerolog.Logger) *AgentLoop {
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &AgentLoop{
		Bus:      b,
		Sessions: sessions,
		AgentID:  cfg.AgentID,
		Endpoint: cfg.Endpoint,
		Token:    cfg.EndpointToken,
		client:   &http.Client{Timeout: timeout},
		log:      log.With().Str("component", "agent").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Run consumes inbound messages until Stop.
func (l *AgentLoop) Run() {
	l.log.Info().Str("endpoint", l.Endpoint).Msg("agent loop started")
	inbound := l.Bus.ConsumeInbound()

	for {
		select {
		case msg := <-inbound:
			go l.processMessage(msg)
		case <-l.stopChan:
			l.log.Info().Msg("agent loop stopping")
			return
		}
	}
}

// Stop stops the agent loop.
func (l *AgentLoop) Stop() {
	close(l.stopChan)
}

type runtimeRequest struct {
	Kind     bus.MessageKind `json:"kind"`
	AgentID  string          `json:"agentId"`
	Session  string          `json:"session"`
	Channel  string          `json:"channel,omitempty"`
	ChatID   string          `json:"chatId,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
	Content  string          `json:"content"`
}

type runtimeResponse struct {
	Content string `json:"content"`
}

func (l *AgentLoop) processMessage(msg bus.InboundMessage) {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = l.AgentID
	}
	logger := l.log.With().Str("kind", string(msg.Kind)).Str("agent_id", agentID).Str("session", msg.SessionKey()).Logger()

	ctx := context.Background()
	if !msg.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, msg.Deadline)
		defer cancel()
	}

	switch msg.Kind {
	case bus.KindAgentTurn:
		content, err := l.forward(ctx, agentID, msg)
		if msg.Reply != nil {
			msg.Reply <- bus.Reply{Content: content, Err: err}
		}
		if err != nil {
			logger.Warn().Err(err).Msg("agent turn failed")
		}

	case bus.KindSystemEvent:
		if _, err := l.forward(ctx, agentID, msg); err != nil {
			logger.Warn().Err(err).Msg("system event wake failed")
		}

	default:
		if err := l.Sessions.RecordRoute(agentID, msg.Channel, msg.ChatID, msg.Content); err != nil {
			logger.Error().Err(err).Msg("record session route")
		}
		if l.Endpoint == "" {
			return
		}
		content, err := l.forward(ctx, agentID, msg)
		if err != nil {
			logger.Error().Err(err).Msg("forward chat message")
			content = fmt.Sprintf("Sorry, I encountered an error: %v", err)
		}
		if content == "" {
			return
		}
		if err := l.Bus.PublishOutbound(ctx, bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: content,
		}); err != nil {
			logger.Error().Err(err).Msg("publish reply")
		}
	}
}

func (l *AgentLoop) forward(ctx context.Context, agentID string, msg bus.InboundMessage) (string, error) {
	if l.Endpoint == "" {
		return "", ErrNoEndpoint
	}
	body, err := json.Marshal(runtimeRequest{
		Kind:     msg.Kind,
		AgentID:  agentID,
		Session:  msg.SessionKey(),
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		SenderID: msg.SenderID,
		Content:  msg.Content,
	})
	if err != nil {
		return "", fmt.Errorf("marshal runtime request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build runtime request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.Token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("runtime request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read runtime response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("runtime returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out runtimeResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return "", fmt.Errorf("decode runtime response: %w", err)
		}
	}
	return out.Content, nil
}
