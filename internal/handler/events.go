package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/presence-server-go/internal/config"
	apperrors "github.com/openclaw/presence-server-go/internal/errors"
	"github.com/openclaw/presence-server-go/internal/model"
	"github.com/openclaw/presence-server-go/internal/transport"
	"github.com/openclaw/presence-server-go/internal/util"
)

// EventsHandler streams a session to receive-only viewers over SSE. Opening
// the stream joins; closing it disconnects.
type EventsHandler struct {
	presence       Presence
	connections    Connections
	hub            *transport.Hub
	keepalive      time.Duration
	releaseTimeout time.Duration
}

func NewEventsHandler(p Presence, conns Connections, hub *transport.Hub, releaseTimeout time.Duration) *EventsHandler {
	return &EventsHandler{
		presence:       p,
		connections:    conns,
		hub:            hub,
		keepalive:      config.SSEKeepaliveInterval,
		releaseTimeout: releaseTimeout,
	}
}

// GET /v1/sessions/{id}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	viewerID := viewerIdentity(r)
	if viewerID == "" {
		writeError(w, apperrors.MissingRequired("viewer_id"))
		return
	}
	if !util.IsValidID(viewerID) || !util.IsValidID(sessionID) {
		writeError(w, apperrors.ValidationError("Invalid session or viewer id"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	ctx := r.Context()
	connID := uuid.NewString()
	if _, err := h.connections.Register(ctx, connID, viewerID); err != nil {
		writeError(w, err)
		return
	}

	outbox := transport.NewOutbox(config.WSSendQueueSize)
	h.hub.Attach(connID, outbox)
	defer releaseConnection(ctx, h.hub, h.presence, connID, h.releaseTimeout)

	if _, err := h.presence.Join(ctx, sessionID, viewerID, connID); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log.Info().
		Str("sessionId", sessionID).
		Str("viewerId", viewerID).
		Str("connectionId", connID).
		Msg("sse connection established")

	h.sendEvent(w, flusher, "connected", map[string]any{
		"connectionId": connID,
		"sessionId":    sessionID,
		"viewerId":     viewerID,
	})

	heartbeat := time.NewTicker(h.keepalive)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("connectionId", connID).Msg("sse connection closed by client")
			return

		case <-outbox.Done():
			log.Info().Str("connectionId", connID).Msg("sse connection closed by server")
			return

		case payload := <-outbox.Queue():
			name := eventName(payload)
			if err := h.sendRawEvent(w, flusher, name, payload); err != nil {
				log.Debug().Err(err).Str("connectionId", connID).Msg("failed to send event")
				return
			}
			if name == model.EventTypeSessionEnded {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("connectionId", connID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()

			if !h.stillJoined(ctx, connID) {
				h.drain(w, flusher, outbox)
				return
			}
		}
	}
}

// stillJoined refreshes last_seen and reports whether the connection is still
// bound. A stream whose connection was pruned or reaped has nothing left to
// deliver.
func (h *EventsHandler) stillJoined(ctx context.Context, connID string) bool {
	if err := h.presence.Heartbeat(ctx, connID); err != nil {
		log.Debug().Err(err).Str("connectionId", connID).Msg("sse heartbeat failed")
	}
	conn, ok, err := h.connections.Get(ctx, connID)
	if err != nil {
		return true
	}
	return ok && conn.Bound()
}

// drain sends whatever was queued before the connection was unbound, such as
// the session ended event.
func (h *EventsHandler) drain(w http.ResponseWriter, flusher http.Flusher, outbox *transport.Outbox) {
	for {
		select {
		case payload := <-outbox.Queue():
			if err := h.sendRawEvent(w, flusher, eventName(payload), payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return h.sendRawEvent(w, flusher, eventType, jsonData)
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data []byte) error {
	// data lines cannot contain newlines
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err == nil {
		data = compact.Bytes()
	} else {
		data = bytes.ReplaceAll(data, []byte("\n"), []byte(" "))
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// eventName uses the payload's "type" field when it has one.
func eventName(payload []byte) string {
	var typed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &typed); err == nil && util.IsValidID(typed.Type) {
		return typed.Type
	}
	return "message"
}
