package counter

import "context"

// Store holds the displayed viewer count per session. Values never go below
// zero; a decrement at zero is a successful no-op.
type Store interface {
	Increment(ctx context.Context, sessionID string) (int64, error)
	DecrementFloor(ctx context.Context, sessionID string) (int64, error)
	Reset(ctx context.Context, sessionID string) error
	Read(ctx context.Context, sessionID string) (int64, error)
}
