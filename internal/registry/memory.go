package registry

import (
	"context"
	"iter"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/presence-server-go/internal/errors"
	"github.com/openclaw/presence-server-go/internal/model"
	"github.com/openclaw/presence-server-go/internal/syncx"
)

type memberSet map[string]struct{}

// Memory is the in-process Registry. Connections and session member sets
// live in separately sharded maps. A connection's shard lock is always
// taken before any session shard lock.
type Memory struct {
	conns    *syncx.ShardedMap[*model.Connection]
	sessions *syncx.ShardedMap[memberSet]
	now      func() time.Time
}

func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		conns:    syncx.NewShardedMap[*model.Connection](syncx.DefaultShards),
		sessions: syncx.NewShardedMap[memberSet](syncx.DefaultShards),
		now:      o.now,
	}
}

func (m *Memory) Register(_ context.Context, connID, viewerID string) (model.Connection, error) {
	s := m.conns.Shard(connID)
	s.Lock()
	defer s.Unlock()

	if _, exists := s.Items[connID]; exists {
		return model.Connection{}, apperrors.DuplicateConnection(connID)
	}

	now := m.now()
	conn := &model.Connection{
		ID:          connID,
		ViewerID:    viewerID,
		ConnectedAt: now,
		LastSeen:    now,
	}
	s.Items[connID] = conn
	return *conn, nil
}

func (m *Memory) Bind(_ context.Context, connID, sessionID string) error {
	s := m.conns.Shard(connID)
	s.Lock()
	defer s.Unlock()

	conn, ok := s.Items[connID]
	if !ok {
		return apperrors.NotFound("Connection")
	}
	if conn.SessionID == sessionID {
		return nil
	}
	if conn.SessionID != "" {
		m.removeMember(conn.SessionID, connID)
	}
	conn.SessionID = sessionID
	m.addMember(sessionID, connID)
	return nil
}

func (m *Memory) Unbind(_ context.Context, connID string) (string, bool, error) {
	s := m.conns.Shard(connID)
	s.Lock()
	defer s.Unlock()

	conn, ok := s.Items[connID]
	if !ok || conn.SessionID == "" {
		return "", false, nil
	}
	prev := conn.SessionID
	conn.SessionID = ""
	m.removeMember(prev, connID)
	return prev, true, nil
}

func (m *Memory) Touch(_ context.Context, connID string) error {
	s := m.conns.Shard(connID)
	s.Lock()
	defer s.Unlock()

	if conn, ok := s.Items[connID]; ok {
		conn.LastSeen = laterOf(conn.LastSeen, m.now())
	}
	return nil
}

func (m *Memory) Get(_ context.Context, connID string) (model.Connection, bool, error) {
	s := m.conns.Shard(connID)
	s.RLock()
	defer s.RUnlock()

	conn, ok := s.Items[connID]
	if !ok {
		return model.Connection{}, false, nil
	}
	return *conn, true, nil
}

func (m *Memory) MembersOf(_ context.Context, sessionID string) (iter.Seq[string], error) {
	s := m.sessions.Shard(sessionID)
	s.RLock()
	members := s.Items[sessionID]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	s.RUnlock()

	return snapshotSeq(ids), nil
}

func (m *Memory) ReapStale(_ context.Context, cutoff time.Time) ([]model.Connection, error) {
	var reaped []model.Connection
	for _, s := range m.conns.Shards() {
		s.Lock()
		for id, conn := range s.Items {
			if !conn.LastSeen.Before(cutoff) {
				continue
			}
			if conn.SessionID != "" {
				m.removeMember(conn.SessionID, id)
			}
			delete(s.Items, id)
			reaped = append(reaped, *conn)
		}
		s.Unlock()
	}

	if len(reaped) > 0 {
		log.Debug().Int("count", len(reaped)).Time("cutoff", cutoff).Msg("reaped stale connections")
	}
	return reaped, nil
}

func (m *Memory) Remove(_ context.Context, connID string) (model.Connection, bool, error) {
	s := m.conns.Shard(connID)
	s.Lock()
	defer s.Unlock()

	conn, ok := s.Items[connID]
	if !ok {
		return model.Connection{}, false, nil
	}
	if conn.SessionID != "" {
		m.removeMember(conn.SessionID, connID)
	}
	delete(s.Items, connID)
	return *conn, true, nil
}

func (m *Memory) addMember(sessionID, connID string) {
	s := m.sessions.Shard(sessionID)
	s.Lock()
	defer s.Unlock()

	members, ok := s.Items[sessionID]
	if !ok {
		members = make(memberSet)
		s.Items[sessionID] = members
	}
	members[connID] = struct{}{}
}

func (m *Memory) removeMember(sessionID, connID string) {
	s := m.sessions.Shard(sessionID)
	s.Lock()
	defer s.Unlock()

	members, ok := s.Items[sessionID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(s.Items, sessionID)
	}
}
