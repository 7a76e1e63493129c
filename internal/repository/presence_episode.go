package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/presence-server-go/internal/model"
)

type PresenceEpisodeRepository interface {
	Create(ctx context.Context, params model.CreatePresenceEpisodeParams) (*model.PresenceEpisode, error)
	FindBySession(ctx context.Context, sessionID string, limit, offset int) ([]model.PresenceEpisode, error)
	TotalWatchTime(ctx context.Context, sessionID, viewerID string) (time.Duration, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type presenceEpisodeRepo struct {
	db *sqlx.DB
}

func NewPresenceEpisodeRepository(db *sqlx.DB) PresenceEpisodeRepository {
	return &presenceEpisodeRepo{db: db}
}

func (r *presenceEpisodeRepo) Create(ctx context.Context, params model.CreatePresenceEpisodeParams) (*model.PresenceEpisode, error) {
	var episode model.PresenceEpisode
	err := r.db.GetContext(ctx, &episode, `
		INSERT INTO presence_episodes (session_id, viewer_id, joined_at, left_at, duration_ms, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, params.SessionID, params.ViewerID, params.JoinedAt, params.LeftAt, params.Duration.Milliseconds(), params.Reason)
	if err != nil {
		return nil, err
	}
	return &episode, nil
}

func (r *presenceEpisodeRepo) FindBySession(ctx context.Context, sessionID string, limit, offset int) ([]model.PresenceEpisode, error) {
	var episodes []model.PresenceEpisode
	err := r.db.SelectContext(ctx, &episodes, `
		SELECT * FROM presence_episodes
		WHERE session_id = $1
		ORDER BY left_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	return episodes, nil
}

func (r *presenceEpisodeRepo) TotalWatchTime(ctx context.Context, sessionID, viewerID string) (time.Duration, error) {
	var totalMs int64
	err := r.db.GetContext(ctx, &totalMs, `
		SELECT COALESCE(SUM(duration_ms), 0) FROM presence_episodes
		WHERE session_id = $1 AND viewer_id = $2
	`, sessionID, viewerID)
	if err != nil {
		return 0, err
	}
	return time.Duration(totalMs) * time.Millisecond, nil
}

func (r *presenceEpisodeRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM presence_episodes WHERE left_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
