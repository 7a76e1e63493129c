package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/presence-server-go/internal/config"
	apperrors "github.com/openclaw/presence-server-go/internal/errors"
	"github.com/openclaw/presence-server-go/internal/model"
	"github.com/openclaw/presence-server-go/internal/presence"
	"github.com/openclaw/presence-server-go/internal/transport"
	"github.com/openclaw/presence-server-go/internal/util"
)

// Presence is the tracker surface the transports drive.
type Presence interface {
	Join(ctx context.Context, sessionID, viewerID, connID string) (presence.JoinResult, error)
	Leave(ctx context.Context, sessionID, viewerID string) (presence.LeaveResult, error)
	Heartbeat(ctx context.Context, connID string) error
	Disconnect(ctx context.Context, connID string) error
}

// Connections registers transport connections before they can join.
type Connections interface {
	Register(ctx context.Context, connID, viewerID string) (model.Connection, error)
	Get(ctx context.Context, connID string) (model.Connection, bool, error)
}

// WSHandler serves the control plane over WebSocket. Each socket is one
// connection; the viewer is resolved once at upgrade time.
type WSHandler struct {
	presence     Presence
	connections  Connections
	hub          *transport.Hub
	upgrader     websocket.Upgrader
	replyTimeout time.Duration
}

func NewWSHandler(p Presence, conns Connections, hub *transport.Hub, replyTimeout time.Duration) *WSHandler {
	return &WSHandler{
		presence:    p,
		connections: conns,
		hub:         hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.WSReadBufferSize,
			WriteBufferSize: config.WSWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // viewers connect from native apps without an Origin
			},
		},
		replyTimeout: replyTimeout,
	}
}

// GET /v1/ws
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	viewerID := viewerIdentity(r)
	if viewerID == "" {
		writeError(w, apperrors.MissingRequired("viewer_id"))
		return
	}
	if !util.IsValidID(viewerID) {
		writeError(w, apperrors.ValidationError("Invalid viewer_id"))
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx := r.Context()
	connID := uuid.NewString()
	if _, err := h.connections.Register(ctx, connID, viewerID); err != nil {
		log.Error().Err(err).Str("viewerId", viewerID).Msg("failed to register connection")
		raw.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registration failed"),
			time.Now().Add(time.Second))
		raw.Close()
		return
	}

	conn := transport.NewWSConn(connID, raw)
	h.hub.Attach(connID, conn)
	defer func() {
		releaseConnection(ctx, h.hub, h.presence, connID, h.replyTimeout)
		log.Info().Str("connectionId", connID).Msg("websocket disconnected")
	}()

	log.Info().
		Str("connectionId", connID).
		Str("viewerId", viewerID).
		Msg("websocket connected")

	go conn.WritePump()
	conn.ReadPump(
		func(message []byte) {
			h.reply(ctx, conn, h.handleMessage(ctx, connID, viewerID, message))
		},
		func() {
			if err := h.presence.Heartbeat(ctx, connID); err != nil {
				log.Debug().Err(err).Str("connectionId", connID).Msg("heartbeat on pong failed")
			}
		},
	)
}

func (h *WSHandler) handleMessage(ctx context.Context, connID, viewerID string, message []byte) model.Ack {
	var env model.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return errorAck("", apperrors.InvalidMessage("malformed JSON"))
	}
	if !env.Action.Valid() {
		return errorAck(env.SessionID, apperrors.InvalidMessage("unknown action "+string(env.Action)))
	}

	switch env.Action {
	case model.ActionHeartbeat:
		if err := h.presence.Heartbeat(ctx, connID); err != nil {
			return errorAck(env.SessionID, err)
		}
		return model.Ack{Status: model.AckPong, SessionID: env.SessionID}

	case model.ActionBroadcast:
		return errorAck(env.SessionID, apperrors.InvalidMessage("broadcast is server-to-client only"))
	}

	if env.SessionID == "" {
		return errorAck("", apperrors.MissingRequired("session_id"))
	}
	if !util.IsValidID(env.SessionID) {
		return errorAck("", apperrors.ValidationError("Invalid session_id"))
	}

	if env.Action == model.ActionJoin {
		if _, err := h.presence.Join(ctx, env.SessionID, viewerID, connID); err != nil {
			return errorAck(env.SessionID, err)
		}
		return model.Ack{Status: model.AckJoined, SessionID: env.SessionID}
	}

	if _, err := h.presence.Leave(ctx, env.SessionID, viewerID); err != nil {
		return errorAck(env.SessionID, err)
	}
	return model.Ack{Status: model.AckLeft, SessionID: env.SessionID}
}

// reply queues the ack behind any broadcasts already waiting for this socket.
func (h *WSHandler) reply(ctx context.Context, conn *transport.WSConn, ack model.Ack) {
	payload, err := json.Marshal(ack)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal ack")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.replyTimeout)
	defer cancel()
	if err := conn.Enqueue(ctx, payload); err != nil {
		log.Debug().Err(err).Str("connectionId", conn.ID).Msg("failed to queue reply")
	}
}

func errorAck(sessionID string, err error) model.Ack {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("unexpected control-plane error")
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	return model.Ack{
		Status:    model.AckError,
		SessionID: sessionID,
		Code:      string(appErr.Code),
		Error:     appErr.Message,
	}
}

// releaseConnection detaches the sink and tells the tracker the transport is
// gone. It runs after the request context may already be cancelled.
func releaseConnection(ctx context.Context, hub *transport.Hub, p Presence, connID string, timeout time.Duration) {
	hub.Detach(connID)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := p.Disconnect(ctx, connID); err != nil {
		log.Error().Err(err).Str("connectionId", connID).Msg("failed to release connection")
	}
}

// viewerIdentity reads the identity an upstream gateway resolved.
func viewerIdentity(r *http.Request) string {
	if id := r.Header.Get("X-Viewer-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("viewer_id")
}
