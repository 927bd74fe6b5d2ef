package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HKUDS/nanobot-gateway/pkg/bus"
	"github.com/HKUDS/nanobot-gateway/pkg/session"
)

var (
	ErrTurnTimeout = errors.New("agent: turn timed out")
	ErrNoEndpoint  = errors.New("agent: no runtime endpoint configured")
)

// TurnRequest asks the agent runtime for one turn on a session.
type TurnRequest struct {
	AgentID    string
	SessionKey string
	Text       string
	JobID      string
}

type TurnResult struct {
	Text string
}

// SystemEvent is a note injected verbatim into a session.
type SystemEvent struct {
	AgentID    string
	SessionKey string
	Text       string
	WakeNow    bool
}

// Runtime is the agent execution surface the scheduler depends on.
type Runtime interface {
	SubmitTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
	EnqueueSystemEvent(ctx context.Context, ev SystemEvent) error
}

// BusRuntime carries turns and events to the runtime over the message bus.
type BusRuntime struct {
	bus      *bus.MessageBus
	sessions *session.Manager
}

func NewBusRuntime(b *bus.MessageBus, sessions *session.Manager) *BusRuntime {
	return &BusRuntime{bus: b, sessions: sessions}
}

// SubmitTurn publishes the turn and waits for its reply. A ctx deadline
// surfaces as ErrTurnTimeout.
func (r *BusRuntime) SubmitTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	reply := make(chan bus.Reply, 1)
	deadline, _ := ctx.Deadline()

	msg := bus.InboundMessage{
		Kind:      bus.KindAgentTurn,
		Channel:   "cron",
		SenderID:  "cron:" + req.JobID,
		ChatID:    req.SessionKey,
		AgentID:   req.AgentID,
		Session:   req.SessionKey,
		Content:   req.Text,
		Timestamp: time.Now(),
		Deadline:  deadline,
		Reply:     reply,
	}
	if err := r.bus.PublishInbound(ctx, msg); err != nil {
		return TurnResult{}, turnErr(err)
	}

	select {
	case rep := <-reply:
		if rep.Err != nil {
			return TurnResult{}, turnErr(rep.Err)
		}
		return TurnResult{Text: rep.Content}, nil
	case <-ctx.Done():
		return TurnResult{}, turnErr(ctx.Err())
	}
}

// EnqueueSystemEvent appends the note to the session and, for wake-now
// events, nudges the runtime.
func (r *BusRuntime) EnqueueSystemEvent(ctx context.Context, ev SystemEvent) error {
	if err := r.sessions.AppendSystemEvent(ev.SessionKey, ev.Text); err != nil {
		return fmt.Errorf("append system event: %w", err)
	}
	if !ev.WakeNow {
		return nil
	}
	return r.bus.PublishInbound(ctx, bus.InboundMessage{
		Kind:      bus.KindSystemEvent,
		Channel:   "cron",
		SenderID:  "cron",
		ChatID:    ev.SessionKey,
		AgentID:   ev.AgentID,
		Session:   ev.SessionKey,
		Content:   ev.Text,
		Timestamp: time.Now(),
	})
}

func turnErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTurnTimeout, err)
	}
	return err
}
