package bus

import (
	"time"
)

type MessageKind string

const (
	KindChat        MessageKind = "chat"         // user message from a channel
	KindAgentTurn   MessageKind = "agent_turn"   // scheduled turn waiting for a reply
	KindSystemEvent MessageKind = "system_event" // note queued into a session
)

// InboundMessage represents a message travelling towards the agent runtime.
type InboundMessage struct {
	Kind      MessageKind            `json:"kind"`
	Channel   string                 `json:"channel"`
	SenderID  string                 `json:"sender_id"`
	ChatID    string                 `json:"chat_id"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Session   string                 `json:"session,omitempty"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Deadline  time.Time              `json:"deadline,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	// Reply receives the runtime's answer for agent turns. It is buffered
	// and written at most once.
	Reply chan<- Reply `json:"-"`
}

// SessionKey returns a unique key for session identification.
func (m *InboundMessage) SessionKey() string {
	if m.Session != "" {
		return m.Session
	}
	return m.Channel + ":" + m.ChatID
}

// Reply is the runtime's answer to an agent turn.
type Reply struct {
	Content string
	Err     error
}

// OutboundMessage represents a message to send to a chat channel.
type OutboundMessage struct {
	Channel  string                 `json:"channel"`
	ChatID   string                 `json:"chat_id"`
	Content  string                 `json:"content"`
	ReplyTo  string                 `json:"reply_to,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
