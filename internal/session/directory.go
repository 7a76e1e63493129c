package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/presence-server-go/internal/errors"
	"github.com/openclaw/presence-server-go/internal/model"
	"github.com/openclaw/presence-server-go/internal/repository"
	"github.com/openclaw/presence-server-go/internal/syncx"
)

// Directory answers "is this session live" for the presence core. It caches
// statuses locally and falls back to the metadata store on a miss. Without a
// store the directory itself is the source of truth and Activate creates
// sessions on first use.
type Directory struct {
	statuses *syncx.ShardedMap[model.SessionStatus]
	locks    *syncx.KeyedMutex
	repo     repository.SessionRepository
	now      func() time.Time
}

func NewDirectory(repo repository.SessionRepository) *Directory {
	return &Directory{
		statuses: syncx.NewShardedMap[model.SessionStatus](syncx.DefaultShards),
		locks:    syncx.NewKeyedMutex(),
		repo:     repo,
		now:      time.Now,
	}
}

// Status returns the session's status, or SESSION_NOT_FOUND.
func (d *Directory) Status(ctx context.Context, sessionID string) (model.SessionStatus, error) {
	if status, ok := d.statuses.Load(sessionID); ok {
		return status, nil
	}
	if d.repo == nil {
		return "", apperrors.SessionNotFound(sessionID)
	}

	session, err := d.repo.FindByID(ctx, sessionID)
	if err != nil {
		return "", apperrors.Database(err)
	}
	if session == nil {
		return "", apperrors.SessionNotFound(sessionID)
	}
	// Idle rows are not cached so a later start on another node is picked up.
	if session.Status != model.SessionStatusIdle {
		d.Observe(sessionID, session.Status)
	}
	return session.Status, nil
}

// RequireActive fails with SESSION_NOT_FOUND unless the session is active.
func (d *Directory) RequireActive(ctx context.Context, sessionID string) error {
	status, err := d.Status(ctx, sessionID)
	if err != nil {
		return err
	}
	if status != model.SessionStatusActive {
		return apperrors.SessionNotFound(sessionID)
	}
	return nil
}

// Activate moves the session to active. It reports false when the session
// was already active.
func (d *Directory) Activate(ctx context.Context, sessionID string) (bool, error) {
	unlock := d.locks.Lock(sessionID)
	defer unlock()

	status, err := d.Status(ctx, sessionID)
	if err != nil && !(d.repo == nil && apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound)) {
		return false, err
	}

	switch status {
	case model.SessionStatusActive:
		return false, nil
	case model.SessionStatusEnded:
		return false, apperrors.SessionEnded(sessionID)
	}

	if d.repo != nil {
		if _, err := d.repo.MarkActive(ctx, sessionID, d.now()); err != nil {
			return false, apperrors.Database(err)
		}
	}
	d.Observe(sessionID, model.SessionStatusActive)
	log.Debug().Str("sessionId", sessionID).Msg("session activated")
	return true, nil
}

// End moves the session to ended. It reports false when it had already ended.
func (d *Directory) End(ctx context.Context, sessionID string) (bool, error) {
	unlock := d.locks.Lock(sessionID)
	defer unlock()

	status, err := d.Status(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if status == model.SessionStatusEnded {
		return false, nil
	}

	if d.repo != nil {
		if _, err := d.repo.MarkEnded(ctx, sessionID, d.now()); err != nil {
			return false, apperrors.Database(err)
		}
	}
	d.Observe(sessionID, model.SessionStatusEnded)
	log.Debug().Str("sessionId", sessionID).Msg("session ended")
	return true, nil
}

// Observe records a status learned elsewhere, e.g. from a peer node.
func (d *Directory) Observe(sessionID string, status model.SessionStatus) {
	s := d.statuses.Shard(sessionID)
	s.Lock()
	s.Items[sessionID] = status
	s.Unlock()
}
