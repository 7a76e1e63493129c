package handler

import (
	"net/http"
	"time"

	"github.com/openclaw/presence-server-go/internal/httputil"
	"github.com/openclaw/presence-server-go/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func formatRecord(rec model.ViewerPresenceRecord) map[string]any {
	return map[string]any{
		"sessionId":       rec.SessionID,
		"viewerId":        rec.ViewerID,
		"joinedAt":        rec.JoinedAt.Format(time.RFC3339),
		"leftAt":          formatTime(rec.LeftAt),
		"lastSeen":        rec.LastSeen.Format(time.RFC3339),
		"watchDurationMs": rec.WatchDuration.Milliseconds(),
		"isActive":        rec.IsActive,
	}
}
