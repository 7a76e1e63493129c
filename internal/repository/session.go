package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/presence-server-go/internal/database"
	"github.com/openclaw/presence-server-go/internal/model"
)

// SessionRepository reads and transitions rows of the live session metadata
// table. Rows are created by the streaming service, not here.
type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// MarkActive moves an idle session to active. It returns false when the
	// row is missing or not idle.
	MarkActive(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkEnded moves an active or idle session to ended.
	MarkEnded(ctx context.Context, id string, at time.Time) (bool, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return getOne[model.Session](ctx, r.db, `
		SELECT id, title, status, started_at, ended_at, created_at, updated_at
		FROM live_sessions WHERE id = $1
	`, id)
}

func (r *sessionRepo) MarkActive(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE live_sessions SET
			status = 'active',
			started_at = COALESCE(started_at, $2),
			updated_at = $2
		WHERE id = $1 AND status = 'idle'
	`, id, at)
	return affected(result, err)
}

func (r *sessionRepo) MarkEnded(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE live_sessions SET
			status = 'ended',
			ended_at = $2,
			updated_at = $2
		WHERE id = $1 AND status IN ('idle', 'active')
	`, id, at)
	return affected(result, err)
}
