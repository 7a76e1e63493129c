package handler

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/presence-server-go/internal/audit"
	"github.com/openclaw/presence-server-go/internal/counter"
	apperrors "github.com/openclaw/presence-server-go/internal/errors"
	"github.com/openclaw/presence-server-go/internal/fanout"
	"github.com/openclaw/presence-server-go/internal/lifecycle"
	"github.com/openclaw/presence-server-go/internal/model"
	"github.com/openclaw/presence-server-go/internal/repository"
	"github.com/openclaw/presence-server-go/internal/util"
)

type Lifecycle interface {
	StartSession(ctx context.Context, sessionID string) (bool, error)
	EndSession(ctx context.Context, sessionID string) (lifecycle.EndResult, error)
	Broadcast(ctx context.Context, sessionID string, payload []byte) (fanout.Report, error)
}

type SessionStatuses interface {
	Status(ctx context.Context, sessionID string) (model.SessionStatus, error)
}

type Viewers interface {
	Record(sessionID, viewerID string) (model.ViewerPresenceRecord, bool)
	ActiveViewers(sessionID string) int
}

type Members interface {
	MembersOf(ctx context.Context, sessionID string) (iter.Seq[string], error)
}

// SessionHandler is the admin API over live sessions.
type SessionHandler struct {
	lifecycle      Lifecycle
	statuses       SessionStatuses
	viewers        Viewers
	members        Members
	counter        counter.Store
	history        repository.PresenceEpisodeRepository
	broadcastLimit func(http.Handler) http.Handler
}

// NewSessionHandler builds the admin API. history may be nil when no
// database is configured.
func NewSessionHandler(
	lc Lifecycle,
	statuses SessionStatuses,
	viewers Viewers,
	members Members,
	counts counter.Store,
	history repository.PresenceEpisodeRepository,
	broadcastLimit func(http.Handler) http.Handler,
) *SessionHandler {
	return &SessionHandler{
		lifecycle:      lc,
		statuses:       statuses,
		viewers:        viewers,
		members:        members,
		counter:        counts,
		history:        history,
		broadcastLimit: broadcastLimit,
	}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/{id}", func(r chi.Router) {
		r.Use(requireSessionID)

		r.Post("/start", h.StartSession)
		r.Post("/end", h.EndSession)
		if h.broadcastLimit != nil {
			r.With(h.broadcastLimit).Post("/broadcast", h.Broadcast)
		} else {
			r.Post("/broadcast", h.Broadcast)
		}
		r.Get("/viewers", h.GetStats)
		r.Get("/viewers/{viewerId}", h.GetViewer)
		r.Get("/history", h.GetHistory)
	})

	return r
}

func requireSessionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !util.IsValidID(chi.URLParam(r, "id")) {
			writeError(w, apperrors.ValidationError("Invalid session id"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// POST /v1/sessions/{id}/start
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	started, err := h.lifecycle.StartSession(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to start session")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"started":   started,
	})
}

// POST /v1/sessions/{id}/end
func (h *SessionHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	result, err := h.lifecycle.EndSession(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to end session")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"ended":     result.Ended,
		"closed":    result.Closed,
		"terminal":  result.Terminal,
	})
}

// POST /v1/sessions/{id}/broadcast
// The body is delivered verbatim to every connection of the session.
func (h *SessionHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperrors.InvalidMessage("unreadable body"))
		return
	}
	if len(payload) == 0 || !json.Valid(payload) {
		writeError(w, apperrors.InvalidMessage("body must be JSON"))
		return
	}

	report, err := h.lifecycle.Broadcast(r.Context(), sessionID, payload)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventBroadcast,
		SessionID: sessionID,
		Details: map[string]interface{}{
			"attempted": report.Attempted,
			"delivered": report.Delivered,
		},
	})
	writeJSON(w, http.StatusOK, report)
}

// GET /v1/sessions/{id}/viewers
// Connections counts this node only; viewerCount is shared.
func (h *SessionHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	status, err := h.statuses.Status(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	count, err := h.counter.Read(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	members, err := h.members.MembersOf(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	conns := 0
	for range members {
		conns++
	}

	writeJSON(w, http.StatusOK, model.SessionStats{
		SessionID:     sessionID,
		Status:        status,
		ViewerCount:   count,
		Connections:   conns,
		ActiveViewers: h.viewers.ActiveViewers(sessionID),
	})
}

// GET /v1/sessions/{id}/viewers/{viewerId}
func (h *SessionHandler) GetViewer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")
	viewerID := chi.URLParam(r, "viewerId")

	rec, ok := h.viewers.Record(sessionID, viewerID)
	if !ok {
		writeError(w, apperrors.NotFound("Viewer"))
		return
	}

	resp := formatRecord(rec)
	if h.history != nil {
		archived, err := h.history.TotalWatchTime(ctx, sessionID, viewerID)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to read archived watch time")
		} else {
			resp["archivedWatchMs"] = archived.Milliseconds()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/sessions/{id}/history
func (h *SessionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, apperrors.NotFound("Presence history"))
		return
	}

	sessionID := chi.URLParam(r, "id")
	page, err := ParsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	episodes, err := h.history.FindBySession(r.Context(), sessionID, page.Limit, page.Offset)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to load presence history")
		writeError(w, apperrors.Database(err))
		return
	}
	if episodes == nil {
		episodes = []model.PresenceEpisode{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  episodes,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}
