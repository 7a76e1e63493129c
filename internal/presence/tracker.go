package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/presence-server-go/internal/config"
	"github.com/openclaw/presence-server-go/internal/counter"
	apperrors "github.com/openclaw/presence-server-go/internal/errors"
	"github.com/openclaw/presence-server-go/internal/model"
	"github.com/openclaw/presence-server-go/internal/registry"
	"github.com/openclaw/presence-server-go/internal/syncx"
)

// Reasons recorded on archived episodes.
const (
	ReasonLeave      = "leave"
	ReasonDisconnect = "disconnect"
	ReasonSwitch     = "switch"
	ReasonStale      = "stale"
	ReasonPruned     = "pruned"
	ReasonSessionEnd = "session_end"
)

// Sessions is the subset of the session directory the tracker needs.
type Sessions interface {
	Status(ctx context.Context, sessionID string) (model.SessionStatus, error)
	RequireActive(ctx context.Context, sessionID string) error
}

// Archive persists closed episodes. Failures are logged and never surface.
type Archive interface {
	Create(ctx context.Context, params model.CreatePresenceEpisodeParams) (*model.PresenceEpisode, error)
}

type JoinResult struct {
	Record   model.ViewerPresenceRecord
	Rejoined bool
}

type LeaveResult struct {
	Record model.ViewerPresenceRecord
	// Added is the watch time this call contributed; zero on a no-op.
	Added time.Duration
	NoOp  bool
}

type SweepResult struct {
	Reaped int
	Closed int
	Purged int

	// Orphaned counts joins settled for connections no record here held.
	Orphaned int
}

// OrphanReaper is implemented by registries shared between nodes. It hands
// over stale connections of nodes that stopped sweeping.
type OrphanReaper interface {
	ReapOrphans(ctx context.Context, cutoff time.Time) ([]model.Connection, error)
}

// entry is guarded by the tracker's per-(session, viewer) lock.
type entry struct {
	record model.ViewerPresenceRecord
	conns  map[string]struct{}
}

// Tracker runs join, leave and heartbeat against the registry and counter and
// keeps one presence record per (session, viewer). Operations on the same
// pair are serialized; different pairs never share a lock. Joins to a session
// share its gate, which ForceLeaveAll takes exclusively.
type Tracker struct {
	registry registry.Registry
	counter  counter.Store
	sessions Sessions
	archive  Archive
	now      func() time.Time

	locks    *syncx.KeyedMutex
	gates    *syncx.KeyedMutex
	records  *syncx.ShardedMap[*entry]
	viewers  *syncx.ShardedMap[map[string]struct{}] // sessionID -> viewerIDs with a record
	archives sync.WaitGroup
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithArchive(a Archive) Option {
	return func(t *Tracker) { t.archive = a }
}

func NewTracker(reg registry.Registry, counts counter.Store, sessions Sessions, opts ...Option) *Tracker {
	t := &Tracker{
		registry: reg,
		counter:  counts,
		sessions: sessions,
		now:      time.Now,
		locks:    syncx.NewKeyedMutex(),
		gates:    syncx.NewKeyedMutex(),
		records:  syncx.NewShardedMap[*entry](syncx.DefaultShards),
		viewers:  syncx.NewShardedMap[map[string]struct{}](syncx.DefaultShards),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func recordKey(sessionID, viewerID string) string {
	return sessionID + "\x00" + viewerID
}

// Join marks viewerID present in sessionID through connID. Joining while
// already active binds the extra connection and refreshes last_seen without
// touching the counter.
func (t *Tracker) Join(ctx context.Context, sessionID, viewerID, connID string) (JoinResult, error) {
	// Held until the join is counted, so a join that saw the session active
	// finishes before ForceLeaveAll sweeps it.
	ungate := t.gates.RLock(sessionID)
	defer ungate()

	if err := t.sessions.RequireActive(ctx, sessionID); err != nil {
		return JoinResult{}, err
	}

	conn, ok, err := t.registry.Get(ctx, connID)
	if err != nil {
		return JoinResult{}, err
	}
	if !ok {
		return JoinResult{}, apperrors.NotFound("Connection")
	}
	if conn.ViewerID != viewerID {
		return JoinResult{}, apperrors.ValidationError("connection belongs to a different viewer")
	}
	if conn.SessionID != "" && conn.SessionID != sessionID {
		if _, err := t.release(ctx, conn.SessionID, viewerID, connID, t.now(), ReasonSwitch); err != nil {
			return JoinResult{}, err
		}
	}

	key := recordKey(sessionID, viewerID)
	unlock := t.locks.Lock(key)
	defer unlock()

	e := t.entry(key)
	if e != nil && e.record.IsActive {
		if err := t.registry.Bind(ctx, connID, sessionID); err != nil {
			return JoinResult{}, err
		}
		if err := t.registry.Touch(ctx, connID); err != nil {
			return JoinResult{}, err
		}
		e.conns[connID] = struct{}{}
		e.record.LastSeen = t.now()
		return JoinResult{Record: e.record, Rejoined: true}, nil
	}

	if err := t.registry.Bind(ctx, connID, sessionID); err != nil {
		return JoinResult{}, err
	}
	count, err := t.counter.Increment(ctx, sessionID)
	if err != nil {
		if _, _, uerr := t.registry.Unbind(ctx, connID); uerr != nil {
			log.Error().Err(uerr).Str("connectionId", connID).Msg("failed to roll back bind after counter error")
		}
		return JoinResult{}, err
	}

	now := t.now()
	if e == nil {
		e = &entry{record: model.ViewerPresenceRecord{SessionID: sessionID, ViewerID: viewerID}}
		t.store(key, sessionID, viewerID, e)
	}
	e.record.JoinedAt = now
	e.record.LastSeen = now
	e.record.LeftAt = nil
	e.record.IsActive = true
	e.conns = map[string]struct{}{connID: {}}

	log.Debug().
		Str("sessionId", sessionID).
		Str("viewerId", viewerID).
		Str("connectionId", connID).
		Int64("count", count).
		Msg("viewer joined")

	return JoinResult{Record: e.record}, nil
}

// Leave closes the viewer's active record. Leaving while absent returns the
// last known record with NoOp set and zero added duration.
func (t *Tracker) Leave(ctx context.Context, sessionID, viewerID string) (LeaveResult, error) {
	if _, err := t.sessions.Status(ctx, sessionID); err != nil {
		return LeaveResult{}, err
	}

	key := recordKey(sessionID, viewerID)
	unlock := t.locks.Lock(key)
	defer unlock()

	e := t.entry(key)
	if e == nil || !e.record.IsActive {
		result := LeaveResult{NoOp: true}
		if e != nil {
			result.Record = e.record
		} else {
			result.Record = model.ViewerPresenceRecord{SessionID: sessionID, ViewerID: viewerID}
		}
		return result, nil
	}

	count, err := t.counter.DecrementFloor(ctx, sessionID)
	if err != nil {
		return LeaveResult{}, err
	}
	for connID := range e.conns {
		if _, _, err := t.registry.Unbind(ctx, connID); err != nil {
			log.Warn().Err(err).Str("connectionId", connID).Msg("failed to unbind connection on leave")
		}
	}
	added := t.closeLocked(e, t.now(), ReasonLeave)

	log.Debug().
		Str("sessionId", sessionID).
		Str("viewerId", viewerID).
		Dur("watched", added).
		Int64("count", count).
		Msg("viewer left")

	return LeaveResult{Record: e.record, Added: added}, nil
}

// Heartbeat refreshes the connection's last_seen. The counter is untouched.
func (t *Tracker) Heartbeat(ctx context.Context, connID string) error {
	if err := t.registry.Touch(ctx, connID); err != nil {
		return err
	}

	conn, ok, err := t.registry.Get(ctx, connID)
	if err != nil || !ok || !conn.Bound() {
		return err
	}

	key := recordKey(conn.SessionID, conn.ViewerID)
	unlock := t.locks.Lock(key)
	defer unlock()

	if e := t.entry(key); e != nil && e.record.IsActive {
		if _, held := e.conns[connID]; held {
			e.record.LastSeen = t.now()
		}
	}
	return nil
}

// Disconnect destroys the connection after its transport closed. The viewer
// leaves once their last connection to the session is gone.
func (t *Tracker) Disconnect(ctx context.Context, connID string) error {
	conn, ok, err := t.registry.Remove(ctx, connID)
	if err != nil || !ok || !conn.Bound() {
		return err
	}
	_, err = t.release(ctx, conn.SessionID, conn.ViewerID, connID, t.now(), ReasonDisconnect)
	return err
}

// ForceLeaveAll closes every active record of the session, unbinds every
// connection still bound to it and resets the counter. It returns the number
// of records closed.
func (t *Tracker) ForceLeaveAll(ctx context.Context, sessionID string) (int, error) {
	ungate := t.gates.Lock(sessionID)
	defer ungate()

	now := t.now()
	closed := 0

	for _, viewerID := range t.viewersOf(sessionID) {
		key := recordKey(sessionID, viewerID)
		unlock := t.locks.Lock(key)
		if e := t.entry(key); e != nil && e.record.IsActive {
			t.closeLocked(e, now, ReasonSessionEnd)
			closed++
		}
		unlock()
	}

	members, err := t.registry.MembersOf(ctx, sessionID)
	if err != nil {
		return closed, err
	}
	for connID := range members {
		if _, _, err := t.registry.Unbind(ctx, connID); err != nil {
			log.Warn().Err(err).Str("connectionId", connID).Msg("failed to unbind connection on session end")
		}
	}

	if err := t.counter.Reset(ctx, sessionID); err != nil {
		return closed, err
	}

	log.Info().Str("sessionId", sessionID).Int("count", closed).Msg("force-closed presence records")
	return closed, nil
}

// Record returns the viewer's current or last record in the session.
func (t *Tracker) Record(sessionID, viewerID string) (model.ViewerPresenceRecord, bool) {
	key := recordKey(sessionID, viewerID)
	unlock := t.locks.Lock(key)
	defer unlock()

	e := t.entry(key)
	if e == nil {
		return model.ViewerPresenceRecord{}, false
	}
	return e.record, true
}

// ActiveViewers counts active records in the session.
func (t *Tracker) ActiveViewers(sessionID string) int {
	n := 0
	for _, viewerID := range t.viewersOf(sessionID) {
		if rec, ok := t.Record(sessionID, viewerID); ok && rec.IsActive {
			n++
		}
	}
	return n
}

// Close waits for pending archive writes.
func (t *Tracker) Close() {
	t.archives.Wait()
}

// release drops connID from the viewer's record and closes the record when
// no connection is left. It reports whether a record was closed.
func (t *Tracker) release(ctx context.Context, sessionID, viewerID, connID string, endAt time.Time, reason string) (bool, error) {
	closed, _, err := t.releaseConn(ctx, sessionID, viewerID, connID, endAt, reason)
	return closed, err
}

// releaseConn is release that also reports whether any record on this
// tracker held connID.
func (t *Tracker) releaseConn(ctx context.Context, sessionID, viewerID, connID string, endAt time.Time, reason string) (closed, held bool, err error) {
	key := recordKey(sessionID, viewerID)
	unlock := t.locks.Lock(key)
	defer unlock()

	e := t.entry(key)
	if e == nil || !e.record.IsActive {
		return false, false, nil
	}
	if _, ok := e.conns[connID]; !ok {
		return false, false, nil
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		return false, true, nil
	}

	if _, err := t.counter.DecrementFloor(ctx, sessionID); err != nil {
		return false, true, err
	}
	t.closeLocked(e, endAt, reason)
	return true, true, nil
}

// closeLocked finalizes the active episode and returns its duration.
func (t *Tracker) closeLocked(e *entry, endAt time.Time, reason string) time.Duration {
	if endAt.Before(e.record.JoinedAt) {
		endAt = e.record.JoinedAt
	}
	episode := endAt.Sub(e.record.JoinedAt)

	e.record.WatchDuration += episode
	e.record.IsActive = false
	e.record.LeftAt = &endAt
	e.conns = nil

	if t.archive != nil {
		t.archiveEpisode(model.CreatePresenceEpisodeParams{
			SessionID: e.record.SessionID,
			ViewerID:  e.record.ViewerID,
			JoinedAt:  e.record.JoinedAt,
			LeftAt:    endAt,
			Duration:  episode,
			Reason:    reason,
		})
	}
	return episode
}

func (t *Tracker) archiveEpisode(params model.CreatePresenceEpisodeParams) {
	t.archives.Add(1)
	go func() {
		defer t.archives.Done()
		ctx, cancel := context.WithTimeout(context.Background(), config.ArchiveWriteTimeout)
		defer cancel()

		if _, err := t.archive.Create(ctx, params); err != nil {
			log.Error().
				Err(err).
				Str("sessionId", params.SessionID).
				Str("viewerId", params.ViewerID).
				Msg("failed to archive presence episode")
		}
	}()
}

func (t *Tracker) entry(key string) *entry {
	e, _ := t.records.Load(key)
	return e
}

func (t *Tracker) store(key, sessionID, viewerID string, e *entry) {
	s := t.records.Shard(key)
	s.Lock()
	s.Items[key] = e
	s.Unlock()

	vs := t.viewers.Shard(sessionID)
	vs.Lock()
	set, ok := vs.Items[sessionID]
	if !ok {
		set = make(map[string]struct{})
		vs.Items[sessionID] = set
	}
	set[viewerID] = struct{}{}
	vs.Unlock()
}

func (t *Tracker) viewersOf(sessionID string) []string {
	s := t.viewers.Shard(sessionID)
	s.RLock()
	defer s.RUnlock()

	set := s.Items[sessionID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
