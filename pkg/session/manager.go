package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser   = "user"
	RoleSystem = "system"
)

// Message is one entry in a session transcript.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Channel   string    `json:"channel,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session represents a conversation session.
type Session struct {
	Key         string    `json:"key"`
	Messages    []Message `json:"messages"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastChannel string    `json:"last_channel,omitempty"`
	LastTo      string    `json:"last_to,omitempty"`
}

// NewSession creates a new session.
func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		Messages:  make([]Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddMessage adds a message to the session.
func (s *Session) AddMessage(role, content, channel string) {
	now := time.Now()
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Channel: channel, Timestamp: now})
	s.UpdatedAt = now
}

// MainKey is the key of an agent's long-lived session.
func MainKey(agentID string) string {
	return "agent:" + agentID + ":main"
}

// IsolatedKey returns a fresh single-use session key for a job run.
func IsolatedKey(jobID string) string {
	return "cron:" + jobID + ":" + uuid.New().String()[:8]
}

// Manager manages conversation sessions.
type Manager struct {
	SessionsDir string
	cache       map[string]*Session
	mu          sync.RWMutex
}

// NewManager creates a new session manager storing under workspace/sessions.
func NewManager(workspace string) (*Manager, error) {
	sessionsDir := filepath.Join(workspace, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{
		SessionsDir: sessionsDir,
		cache:       make(map[string]*Session),
	}, nil
}

func (m *Manager) getSessionPath(key string) string {
	safeKey := strings.ReplaceAll(key, ":", "_")
	safeKey = strings.ReplaceAll(safeKey, string(filepath.Separator), "_")
	return filepath.Join(m.SessionsDir, safeKey+".jsonl")
}

// GetOrCreate returns a snapshot of the session, creating it if needed.
func (m *Manager) GetOrCreate(key string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getLocked(key)
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}

func (m *Manager) getLocked(key string) *Session {
	if s, ok := m.cache[key]; ok {
		return s
	}
	s := m.load(key)
	if s == nil {
		s = NewSession(key)
	}
	m.cache[key] = s
	return s
}

type metadataLine struct {
	Type        string    `json:"_type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastChannel string    `json:"last_channel,omitempty"`
	LastTo      string    `json:"last_to,omitempty"`
}

func (m *Manager) load(key string) *Session {
	file, err := os.Open(m.getSessionPath(key))
	if err != nil {
		return nil
	}
	defer file.Close()

	session := NewSession(key)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if strings.Contains(string(line), `"_type":"metadata"`) {
			var meta metadataLine
			if err := json.Unmarshal(line, &meta); err == nil {
				session.CreatedAt = meta.CreatedAt
				session.UpdatedAt = meta.UpdatedAt
				session.LastChannel = meta.LastChannel
				session.LastTo = meta.LastTo
			}
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		session.Messages = append(session.Messages, msg)
	}
	return session
}

func (m *Manager) saveLocked(session *Session) error {
	path := m.getSessionPath(session.Key)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	if err := enc.Encode(metadataLine{
		Type:        "metadata",
		CreatedAt:   session.CreatedAt,
		UpdatedAt:   session.UpdatedAt,
		LastChannel: session.LastChannel,
		LastTo:      session.LastTo,
	}); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}
	for _, msg := range session.Messages {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("write session message: %w", err)
		}
	}
	return w.Flush()
}

// Save saves a session to disk.
func (m *Manager) Save(session Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := session
	m.cache[s.Key] = &s
	return m.saveLocked(&s)
}

// Clear clears a session.
func (m *Manager) Clear(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, key)
	if err := os.Remove(m.getSessionPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RecordRoute remembers the channel and recipient an agent's main session
// last talked to, and appends the inbound text to its transcript.
func (m *Manager) RecordRoute(agentID, channel, to, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getLocked(MainKey(agentID))
	s.LastChannel = channel
	s.LastTo = to
	if content != "" {
		s.AddMessage(RoleUser, content, channel)
	} else {
		s.UpdatedAt = time.Now()
	}
	return m.saveLocked(s)
}

// LastRoute returns the channel and recipient most recently recorded for
// the agent's main session.
func (m *Manager) LastRoute(agentID string) (channel, to string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getLocked(MainKey(agentID))
	if s.LastChannel == "" {
		return "", "", false
	}
	return s.LastChannel, s.LastTo, true
}

// AppendSystemEvent records text verbatim as a system note on the session.
func (m *Manager) AppendSystemEvent(key, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getLocked(key)
	s.AddMessage(RoleSystem, text, "")
	return m.saveLocked(s)
}
