package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = original })
	return &buf
}

func TestLog(t *testing.T) {
	t.Run("writes structured fields", func(t *testing.T) {
		buf := captureLog(t)

		Log(context.Background(), Event{
			Type:      EventSessionEnd,
			SessionID: "s1",
			NodeID:    "node-a",
			Details:   map[string]interface{}{"closed": 3, "forced": true},
		})

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "session_end", entry["event_type"])
		assert.Equal(t, "s1", entry["session_id"])
		assert.Equal(t, "node-a", entry["node_id"])
		assert.Equal(t, float64(3), entry["closed"])
		assert.Equal(t, true, entry["forced"])
	})

	t.Run("LogFromRequest records client address", func(t *testing.T) {
		buf := captureLog(t)

		r := httptest.NewRequest("POST", "/v1/sessions/s1/end", nil)
		r.Header.Set("X-Real-IP", "10.0.0.7")
		r.Header.Set("User-Agent", "curl/8")
		LogFromRequest(r, Event{Type: EventAuthFailure})

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "10.0.0.7", entry["ip"])
		assert.Equal(t, "curl/8", entry["user_agent"])
	})
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1:1234", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}
