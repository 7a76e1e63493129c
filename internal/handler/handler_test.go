package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/presence-server-go/internal/counter"
	apperrors "github.com/openclaw/presence-server-go/internal/errors"
	"github.com/openclaw/presence-server-go/internal/fanout"
	"github.com/openclaw/presence-server-go/internal/lifecycle"
	"github.com/openclaw/presence-server-go/internal/model"
	"github.com/openclaw/presence-server-go/internal/presence"
	"github.com/openclaw/presence-server-go/internal/registry"
	"github.com/openclaw/presence-server-go/internal/session"
	"github.com/openclaw/presence-server-go/internal/transport"
)

type stack struct {
	registry  *registry.Memory
	counter   *counter.MemoryStore
	directory *session.Directory
	tracker   *presence.Tracker
	hub       *transport.Hub
	ctrl      *lifecycle.Controller
	server    *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{
		registry:  registry.NewMemory(),
		counter:   counter.NewMemoryStore(),
		directory: session.NewDirectory(nil),
		hub:       transport.NewHub(),
	}
	s.tracker = presence.NewTracker(s.registry, s.counter, s.directory)
	b := fanout.NewBroadcaster(s.registry, s.hub, fanout.WithSendTimeout(200*time.Millisecond))
	s.ctrl = lifecycle.NewController(s.directory, s.tracker, s.counter, b)

	sessions := NewSessionHandler(s.ctrl, s.directory, s.tracker, s.registry, s.counter, nil, nil)
	ws := NewWSHandler(s.tracker, s.registry, s.hub, time.Second)
	events := NewEventsHandler(s.tracker, s.registry, s.hub, time.Second)
	events.keepalive = 50 * time.Millisecond

	r := chi.NewRouter()
	r.Get("/v1/ws", ws.ServeHTTP)
	r.Get("/v1/sessions/{id}/events", events.ServeHTTP)
	r.Mount("/v1/sessions", sessions.Routes())

	s.server = httptest.NewServer(r)
	t.Cleanup(func() {
		s.hub.Close()
		s.server.Close()
		s.tracker.Close()
	})
	return s
}

func (s *stack) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(s.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *stack) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *stack) dial(t *testing.T, viewerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/v1/ws?viewer_id=" + viewerID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *stack) count(t *testing.T, sessionID string) int64 {
	t.Helper()
	n, err := s.counter.Read(context.Background(), sessionID)
	require.NoError(t, err)
	return n
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func send(t *testing.T, conn *websocket.Conn, env string) model.Ack {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(env)))
	return readAck(t, conn)
}

func readAck(t *testing.T, conn *websocket.Conn) model.Ack {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ack model.Ack
	require.NoError(t, json.Unmarshal(data, &ack))
	return ack
}

func TestSessionHandler(t *testing.T) {
	t.Run("start is idempotent", func(t *testing.T) {
		s := newStack(t)

		body := decode(t, s.post(t, "/v1/sessions/s1/start", ""))
		assert.Equal(t, true, body["started"])

		body = decode(t, s.post(t, "/v1/sessions/s1/start", ""))
		assert.Equal(t, false, body["started"])
	})

	t.Run("end of unknown session is 404", func(t *testing.T) {
		s := newStack(t)
		resp := s.post(t, "/v1/sessions/nope/end", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "SESSION_NOT_FOUND", decode(t, resp)["code"])
	})

	t.Run("invalid session id is 400", func(t *testing.T) {
		s := newStack(t)
		resp := s.post(t, "/v1/sessions/bad%20id/start", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("broadcast requires a JSON body", func(t *testing.T) {
		s := newStack(t)
		s.post(t, "/v1/sessions/s1/start", "")

		resp := s.post(t, "/v1/sessions/s1/broadcast", "not json")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "INVALID_MESSAGE", decode(t, resp)["code"])
	})

	t.Run("broadcast to an inactive session is 404", func(t *testing.T) {
		s := newStack(t)
		resp := s.post(t, "/v1/sessions/s1/broadcast", `{"type":"chat"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("restarting an ended session is 409", func(t *testing.T) {
		s := newStack(t)
		s.post(t, "/v1/sessions/s1/start", "")
		s.post(t, "/v1/sessions/s1/end", "")

		resp := s.post(t, "/v1/sessions/s1/start", "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("viewer stats and record", func(t *testing.T) {
		s := newStack(t)
		ctx := context.Background()
		s.post(t, "/v1/sessions/s1/start", "")
		_, err := s.registry.Register(ctx, "c1", "A")
		require.NoError(t, err)
		_, err = s.tracker.Join(ctx, "s1", "A", "c1")
		require.NoError(t, err)

		stats := decode(t, s.get(t, "/v1/sessions/s1/viewers"))
		assert.Equal(t, "active", stats["status"])
		assert.Equal(t, float64(1), stats["viewerCount"])
		assert.Equal(t, float64(1), stats["connections"])
		assert.Equal(t, float64(1), stats["activeViewers"])

		rec := decode(t, s.get(t, "/v1/sessions/s1/viewers/A"))
		assert.Equal(t, true, rec["isActive"])
		assert.Nil(t, rec["leftAt"])

		assert.Equal(t, http.StatusNotFound, s.get(t, "/v1/sessions/s1/viewers/B").StatusCode)
	})

	t.Run("history needs a database", func(t *testing.T) {
		s := newStack(t)
		assert.Equal(t, http.StatusNotFound, s.get(t, "/v1/sessions/s1/history").StatusCode)
	})
}

func TestWSHandler(t *testing.T) {
	t.Run("requires a viewer id", func(t *testing.T) {
		s := newStack(t)
		resp := s.get(t, "/v1/ws")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("join on a session that has not started", func(t *testing.T) {
		s := newStack(t)
		conn := s.dial(t, "A")

		ack := send(t, conn, `{"action":"join","session_id":"s1"}`)
		assert.Equal(t, model.AckError, ack.Status)
		assert.Equal(t, "SESSION_NOT_FOUND", ack.Code)
	})

	t.Run("rejects malformed and client broadcast envelopes", func(t *testing.T) {
		s := newStack(t)
		conn := s.dial(t, "A")

		assert.Equal(t, "INVALID_MESSAGE", send(t, conn, `{nope`).Code)
		assert.Equal(t, "INVALID_MESSAGE", send(t, conn, `{"action":"dance","session_id":"s1"}`).Code)
		assert.Equal(t, "INVALID_MESSAGE", send(t, conn, `{"action":"broadcast","session_id":"s1","data":{}}`).Code)
		assert.Equal(t, "MISSING_REQUIRED", send(t, conn, `{"action":"join"}`).Code)
	})

	t.Run("join heartbeat broadcast leave", func(t *testing.T) {
		s := newStack(t)
		ctx := context.Background()
		_, err := s.ctrl.StartSession(ctx, "s1")
		require.NoError(t, err)
		conn := s.dial(t, "A")

		ack := send(t, conn, `{"action":"join","session_id":"s1"}`)
		assert.Equal(t, model.AckJoined, ack.Status)
		assert.Equal(t, "s1", ack.SessionID)
		assert.Equal(t, int64(1), s.count(t, "s1"))

		ack = send(t, conn, `{"action":"join","session_id":"s1"}`)
		assert.Equal(t, model.AckJoined, ack.Status)
		assert.Equal(t, int64(1), s.count(t, "s1"))

		assert.Equal(t, model.AckPong, send(t, conn, `{"action":"heartbeat"}`).Status)

		report, err := s.ctrl.Broadcast(ctx, "s1", []byte(`{"type":"chat","text":"hi"}`))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Delivered)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"chat","text":"hi"}`, string(data))

		assert.Equal(t, model.AckLeft, send(t, conn, `{"action":"leave","session_id":"s1"}`).Status)
		assert.Zero(t, s.count(t, "s1"))
		assert.Equal(t, model.AckLeft, send(t, conn, `{"action":"leave","session_id":"s1"}`).Status)
		assert.Zero(t, s.count(t, "s1"))
	})

	t.Run("closing the socket leaves the session", func(t *testing.T) {
		s := newStack(t)
		ctx := context.Background()
		_, err := s.ctrl.StartSession(ctx, "s1")
		require.NoError(t, err)
		conn := s.dial(t, "A")
		require.Equal(t, model.AckJoined, send(t, conn, `{"action":"join","session_id":"s1"}`).Status)

		conn.Close()

		require.Eventually(t, func() bool {
			return s.count(t, "s1") == 0 && s.hub.Len() == 0
		}, 2*time.Second, 10*time.Millisecond)
		rec, ok := s.tracker.Record("s1", "A")
		require.True(t, ok)
		assert.False(t, rec.IsActive)
	})
}

func TestEventsHandler(t *testing.T) {
	t.Run("rejects join on an inactive session", func(t *testing.T) {
		s := newStack(t)
		resp := s.get(t, "/v1/sessions/s1/events?viewer_id=A")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Zero(t, s.hub.Len())
	})

	t.Run("streams broadcasts until the session ends", func(t *testing.T) {
		s := newStack(t)
		ctx := context.Background()
		_, err := s.ctrl.StartSession(ctx, "s1")
		require.NoError(t, err)

		resp := s.get(t, "/v1/sessions/s1/events?viewer_id=A")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		reader := bufio.NewReader(resp.Body)

		nextEvent := func() (string, string) {
			t.Helper()
			var name, data string
			for {
				line, err := reader.ReadString('\n')
				require.NoError(t, err)
				line = strings.TrimSuffix(line, "\n")
				switch {
				case strings.HasPrefix(line, "event: "):
					name = strings.TrimPrefix(line, "event: ")
				case strings.HasPrefix(line, "data: "):
					data = strings.TrimPrefix(line, "data: ")
				case line == "" && name != "":
					return name, data
				}
			}
		}

		name, _ := nextEvent()
		assert.Equal(t, "connected", name)
		assert.Equal(t, int64(1), s.count(t, "s1"))

		_, err = s.ctrl.Broadcast(ctx, "s1", []byte("{\n  \"type\": \"gift\",\n  \"id\": 7\n}"))
		require.NoError(t, err)
		name, data := nextEvent()
		assert.Equal(t, "gift", name)
		assert.JSONEq(t, `{"type":"gift","id":7}`, data)

		_, err = s.ctrl.EndSession(ctx, "s1")
		require.NoError(t, err)
		name, _ = nextEvent()
		assert.Equal(t, model.EventTypeSessionEnded, name)

		require.Eventually(t, func() bool { return s.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "chat", eventName([]byte(`{"type":"chat"}`)))
	assert.Equal(t, "message", eventName([]byte(`{"text":"x"}`)))
	assert.Equal(t, "message", eventName([]byte(`[1,2]`)))
	assert.Equal(t, "message", eventName([]byte(`{"type":"two words"}`)))
}

func TestParsePage(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		page, err := ParsePage(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		assert.Equal(t, Page{Limit: DefaultHistoryLimit}, page)
	})

	t.Run("explicit and clamped", func(t *testing.T) {
		page, err := ParsePage(httptest.NewRequest("GET", "/?limit=10&offset=20", nil))
		require.NoError(t, err)
		assert.Equal(t, Page{Limit: 10, Offset: 20}, page)

		page, err = ParsePage(httptest.NewRequest("GET", "/?limit=9000", nil))
		require.NoError(t, err)
		assert.Equal(t, MaxHistoryLimit, page.Limit)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		for _, q := range []string{"limit=abc", "limit=0", "offset=-3", "offset=x"} {
			_, err := ParsePage(httptest.NewRequest("GET", "/?"+q, nil))
			assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err), q)
		}
	})
}
