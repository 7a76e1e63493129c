package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/presence-server-go/internal/config"
	apperrors "github.com/openclaw/presence-server-go/internal/errors"
)

type Kind string

const (
	KindBroadcast      Kind = "broadcast"
	KindSessionStarted Kind = "session_started"
	KindSessionEnded   Kind = "session_ended"
)

// Message is what nodes exchange over the relay channel.
type Message struct {
	Origin    string          `json:"origin"`
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Handler applies a message published by another node to local state.
type Handler interface {
	HandleRemote(ctx context.Context, msg Message) error
}

// Relay carries session events between nodes over Redis pub/sub. Messages a
// node published itself are dropped on receipt.
type Relay struct {
	client  *redis.Client
	node    string
	channel string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(client *redis.Client, node string) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		client:  client,
		node:    node,
		channel: config.RelayChannel,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (r *Relay) Node() string {
	return r.node
}

func (r *Relay) Publish(ctx context.Context, kind Kind, sessionID string, payload json.RawMessage) error {
	data, err := json.Marshal(Message{
		Origin:    r.node,
		Kind:      kind,
		SessionID: sessionID,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return apperrors.External("relay", err)
	}
	return nil
}

// Start subscribes and dispatches peer messages to h until Close. It returns
// once the subscription is confirmed.
func (r *Relay) Start(h Handler) error {
	pubsub := r.client.Subscribe(r.ctx, r.channel)
	if _, err := pubsub.Receive(r.ctx); err != nil {
		pubsub.Close()
		return apperrors.External("relay", fmt.Errorf("subscribe %s: %w", r.channel, err))
	}

	log.Debug().
		Str("nodeId", r.node).
		Str("channel", r.channel).
		Msg("relay subscribed")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer pubsub.Close()
		r.loop(pubsub.Channel(), h)
	}()
	return nil
}

func (r *Relay) loop(ch <-chan *redis.Message, h Handler) {
	for {
		select {
		case <-r.ctx.Done():
			return

		case raw, ok := <-ch:
			if !ok {
				return
			}

			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal relay message")
				continue
			}
			if msg.Origin == r.node {
				continue
			}

			if err := h.HandleRemote(r.ctx, msg); err != nil {
				log.Error().
					Err(err).
					Str("origin", msg.Origin).
					Str("kind", string(msg.Kind)).
					Str("sessionId", msg.SessionID).
					Msg("failed to apply relay message")
			}
		}
	}
}

func (r *Relay) Close() {
	r.cancel()
	r.wg.Wait()
}
