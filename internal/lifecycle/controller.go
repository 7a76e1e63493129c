package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/presence-server-go/internal/audit"
	"github.com/openclaw/presence-server-go/internal/counter"
	apperrors "github.com/openclaw/presence-server-go/internal/errors"
	"github.com/openclaw/presence-server-go/internal/fanout"
	"github.com/openclaw/presence-server-go/internal/model"
	"github.com/openclaw/presence-server-go/internal/relay"
	"github.com/openclaw/presence-server-go/internal/syncx"
)

// Directory owns session status.
type Directory interface {
	Status(ctx context.Context, sessionID string) (model.SessionStatus, error)
	RequireActive(ctx context.Context, sessionID string) error
	Activate(ctx context.Context, sessionID string) (bool, error)
	End(ctx context.Context, sessionID string) (bool, error)
	Observe(sessionID string, status model.SessionStatus)
}

type Presence interface {
	ForceLeaveAll(ctx context.Context, sessionID string) (int, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID string, payload []byte) (fanout.Report, error)
}

// Publisher forwards session events to peer nodes.
type Publisher interface {
	Publish(ctx context.Context, kind relay.Kind, sessionID string, payload json.RawMessage) error
}

type EndResult struct {
	// Ended is false when the session had already ended.
	Ended    bool          `json:"ended"`
	Closed   int           `json:"closed"`
	Terminal fanout.Report `json:"terminal"`
}

type Controller struct {
	directory   Directory
	presence    Presence
	counter     counter.Store
	broadcaster Broadcaster
	publisher   Publisher
	node        string
	locks       *syncx.KeyedMutex
}

type Option func(*Controller)

func WithPublisher(p Publisher, node string) Option {
	return func(c *Controller) {
		c.publisher = p
		c.node = node
	}
}

func NewController(dir Directory, p Presence, counts counter.Store, b Broadcaster, opts ...Option) *Controller {
	c := &Controller{
		directory:   dir,
		presence:    p,
		counter:     counts,
		broadcaster: b,
		locks:       syncx.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartSession activates the session with a zeroed viewer count. Starting an
// active session does nothing.
func (c *Controller) StartSession(ctx context.Context, sessionID string) (bool, error) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	started, err := c.directory.Activate(ctx, sessionID)
	if err != nil || !started {
		return false, err
	}
	if err := c.counter.Reset(ctx, sessionID); err != nil {
		return true, err
	}

	audit.Log(ctx, audit.Event{Type: audit.EventSessionStart, SessionID: sessionID, NodeID: c.node})
	c.publish(ctx, relay.KindSessionStarted, sessionID, nil)
	return true, nil
}

// EndSession marks the session ended, then sends the terminal event to every
// live connection before tearing presence down. Calling it again re-runs the
// teardown, which finds nothing left to close.
func (c *Controller) EndSession(ctx context.Context, sessionID string) (EndResult, error) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	ended, err := c.directory.End(ctx, sessionID)
	if err != nil {
		return EndResult{}, err
	}

	result, err := c.teardown(ctx, sessionID)
	result.Ended = ended
	if err != nil {
		return result, err
	}

	if ended {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventSessionEnd,
			SessionID: sessionID,
			NodeID:    c.node,
			Details: map[string]interface{}{
				"closed":    result.Closed,
				"delivered": result.Terminal.Delivered,
			},
		})
		c.publish(ctx, relay.KindSessionEnded, sessionID, nil)
	}
	return result, nil
}

// Broadcast delivers payload to every connection of an active session,
// locally and on peers.
func (c *Controller) Broadcast(ctx context.Context, sessionID string, payload []byte) (fanout.Report, error) {
	if err := c.directory.RequireActive(ctx, sessionID); err != nil {
		return fanout.Report{SessionID: sessionID}, err
	}
	report, err := c.broadcaster.Broadcast(ctx, sessionID, payload)
	if err != nil {
		return report, err
	}
	c.publish(ctx, relay.KindBroadcast, sessionID, payload)
	return report, nil
}

// HandleRemote applies an event published by a peer to this node's
// connections only.
func (c *Controller) HandleRemote(ctx context.Context, msg relay.Message) error {
	switch msg.Kind {
	case relay.KindSessionStarted:
		c.directory.Observe(msg.SessionID, model.SessionStatusActive)
		return nil

	case relay.KindSessionEnded:
		unlock := c.locks.Lock(msg.SessionID)
		defer unlock()

		c.directory.Observe(msg.SessionID, model.SessionStatusEnded)
		_, err := c.teardown(ctx, msg.SessionID)
		return err

	case relay.KindBroadcast:
		_, err := c.broadcaster.Broadcast(ctx, msg.SessionID, msg.Payload)
		return err

	default:
		return apperrors.InvalidMessage("unknown relay kind " + string(msg.Kind))
	}
}

func (c *Controller) teardown(ctx context.Context, sessionID string) (EndResult, error) {
	var result EndResult

	payload, err := json.Marshal(model.SessionEndedEvent{
		Type:      model.EventTypeSessionEnded,
		SessionID: sessionID,
	})
	if err != nil {
		return result, err
	}

	// Best effort: teardown proceeds even if the terminal event cannot be sent.
	report, err := c.broadcaster.Broadcast(ctx, sessionID, payload)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to send session ended event")
	}
	result.Terminal = report

	closed, err := c.presence.ForceLeaveAll(ctx, sessionID)
	result.Closed = closed
	if err != nil {
		return result, err
	}

	if err := c.counter.Reset(ctx, sessionID); err != nil {
		return result, err
	}
	return result, nil
}

func (c *Controller) publish(ctx context.Context, kind relay.Kind, sessionID string, payload json.RawMessage) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, kind, sessionID, payload); err != nil {
		log.Error().
			Err(err).
			Str("kind", string(kind)).
			Str("sessionId", sessionID).
			Msg("failed to relay session event")
	}
}
