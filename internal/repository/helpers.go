package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/openclaw/presence-server-go/internal/database"
)

// getOne loads a single row into a new T. A missing row is (nil, nil).
func getOne[T any](ctx context.Context, db database.DBTX, query string, args ...any) (*T, error) {
	var row T
	err := db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// affected reports whether a conditional UPDATE matched a row. Status
// transitions use it to tell "changed" from "already there".
func affected(result sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
