package transport

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/presence-server-go/internal/syncx"
)

// Hub is the Transport for connections held by this node.
type Hub struct {
	sinks *syncx.ShardedMap[Sink]
}

func NewHub() *Hub {
	return &Hub{sinks: syncx.NewShardedMap[Sink](syncx.DefaultShards)}
}

func (h *Hub) Attach(connID string, sink Sink) {
	s := h.sinks.Shard(connID)
	s.Lock()
	s.Items[connID] = sink
	count := len(s.Items)
	s.Unlock()

	log.Debug().Str("connectionId", connID).Int("shardCount", count).Msg("sink attached")
}

// Detach removes and closes the connection's sink.
func (h *Hub) Detach(connID string) {
	s := h.sinks.Shard(connID)
	s.Lock()
	sink, ok := s.Items[connID]
	delete(s.Items, connID)
	s.Unlock()

	if ok {
		sink.Close()
	}
}

func (h *Hub) Send(ctx context.Context, connID string, payload []byte) error {
	sink, ok := h.sinks.Load(connID)
	if !ok {
		return ErrConnectionGone
	}
	return sink.Enqueue(ctx, payload)
}

func (h *Hub) Len() int {
	return h.sinks.Len()
}

// Close closes every sink, e.g. on shutdown.
func (h *Hub) Close() {
	for _, s := range h.sinks.Shards() {
		s.Lock()
		for id, sink := range s.Items {
			sink.Close()
			delete(s.Items, id)
		}
		s.Unlock()
	}
}
