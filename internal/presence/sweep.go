package presence

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/presence-server-go/internal/model"
)

// Sweep is the periodic liveness pass. It reaps connections last seen before
// cutoff, closes records whose connections were reaped or pruned by the
// broadcaster, and drops closed records of ended sessions. Each closed record
// decrements the counter once. Bound connections that no record here held,
// left by an earlier run of this node or by a silent peer, are settled too.
func (t *Tracker) Sweep(ctx context.Context, cutoff time.Time) (SweepResult, error) {
	var (
		result SweepResult
		errs   []error
	)

	reaped, err := t.registry.ReapStale(ctx, cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	result.Reaped = len(reaped)

	var orphans []model.Connection
	for _, conn := range reaped {
		if !conn.Bound() {
			continue
		}
		closed, held, err := t.releaseConn(ctx, conn.SessionID, conn.ViewerID, conn.ID, conn.LastSeen, ReasonStale)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if closed {
			result.Closed++
		}
		if !held {
			orphans = append(orphans, conn)
		}
	}

	if o, ok := t.registry.(OrphanReaper); ok {
		conns, err := o.ReapOrphans(ctx, cutoff)
		if err != nil {
			errs = append(errs, err)
		}
		result.Reaped += len(conns)
		for _, conn := range conns {
			if conn.Bound() {
				orphans = append(orphans, conn)
			}
		}
	}

	settled, err := t.settleOrphans(ctx, orphans)
	result.Orphaned = settled
	if err != nil {
		errs = append(errs, err)
	}

	for _, sessionID := range t.sessionIDs() {
		n, err := t.reconcile(ctx, sessionID)
		result.Closed += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	result.Purged = t.purgeEnded(ctx)

	if result.Reaped > 0 || result.Closed > 0 || result.Purged > 0 || result.Orphaned > 0 {
		log.Info().
			Int("reaped", result.Reaped).
			Int("closed", result.Closed).
			Int("purged", result.Purged).
			Int("orphaned", result.Orphaned).
			Msg("presence sweep completed")
	}
	return result, errors.Join(errs...)
}

// settleOrphans takes back the count of bound connections that no record
// here accounts for. They were counted by a node that is gone, so each
// (session, viewer) among them is decremented once.
func (t *Tracker) settleOrphans(ctx context.Context, conns []model.Connection) (int, error) {
	var (
		settled int
		errs    []error
	)
	seen := make(map[string]struct{}, len(conns))
	for _, conn := range conns {
		key := recordKey(conn.SessionID, conn.ViewerID)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if _, err := t.counter.DecrementFloor(ctx, conn.SessionID); err != nil {
			errs = append(errs, err)
			continue
		}
		settled++
		log.Info().
			Str("sessionId", conn.SessionID).
			Str("viewerId", conn.ViewerID).
			Str("connectionId", conn.ID).
			Msg("settled orphaned connection")
	}
	return settled, errors.Join(errs...)
}

// reconcile drops connections the registry no longer binds to sessionID from
// active records and closes records left with none.
func (t *Tracker) reconcile(ctx context.Context, sessionID string) (int, error) {
	closed := 0
	for _, viewerID := range t.viewersOf(sessionID) {
		ok, err := t.reconcileRecord(ctx, sessionID, viewerID)
		if err != nil {
			return closed, err
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

func (t *Tracker) reconcileRecord(ctx context.Context, sessionID, viewerID string) (bool, error) {
	key := recordKey(sessionID, viewerID)
	unlock := t.locks.Lock(key)
	defer unlock()

	e := t.entry(key)
	if e == nil || !e.record.IsActive {
		return false, nil
	}

	for connID := range e.conns {
		conn, ok, err := t.registry.Get(ctx, connID)
		if err != nil {
			return false, err
		}
		if !ok || conn.SessionID != sessionID {
			delete(e.conns, connID)
		}
	}
	if len(e.conns) > 0 {
		return false, nil
	}

	if _, err := t.counter.DecrementFloor(ctx, sessionID); err != nil {
		return false, err
	}
	t.closeLocked(e, e.record.LastSeen, ReasonPruned)
	log.Debug().Str("sessionId", sessionID).Str("viewerId", viewerID).Msg("closed orphaned presence record")
	return true, nil
}

// purgeEnded forgets records of sessions that have ended.
func (t *Tracker) purgeEnded(ctx context.Context) int {
	purged := 0
	for _, sessionID := range t.sessionIDs() {
		status, err := t.sessions.Status(ctx, sessionID)
		if err != nil || status != model.SessionStatusEnded {
			continue
		}

		for _, viewerID := range t.viewersOf(sessionID) {
			key := recordKey(sessionID, viewerID)
			unlock := t.locks.Lock(key)
			if e := t.entry(key); e != nil && !e.record.IsActive {
				s := t.records.Shard(key)
				s.Lock()
				delete(s.Items, key)
				s.Unlock()
				purged++
			}
			unlock()
		}

		vs := t.viewers.Shard(sessionID)
		vs.Lock()
		delete(vs.Items, sessionID)
		vs.Unlock()
	}
	return purged
}

func (t *Tracker) sessionIDs() []string {
	var ids []string
	for _, s := range t.viewers.Shards() {
		s.RLock()
		for id := range s.Items {
			ids = append(ids, id)
		}
		s.RUnlock()
	}
	return ids
}
