package registry

import (
	"context"
	"iter"
	"sync/atomic"
	"time"

	"github.com/openclaw/presence-server-go/internal/model"
)

// Registry owns every Connection and the session -> connections reverse index.
// No other component mutates connections directly.
type Registry interface {
	// Register creates an unbound connection. It fails with
	// DUPLICATE_CONNECTION if connID is already registered.
	Register(ctx context.Context, connID, viewerID string) (model.Connection, error)
	// Bind attaches the connection to a session, leaving any previous one.
	Bind(ctx context.Context, connID, sessionID string) error
	// Unbind detaches the connection and reports the session it left.
	Unbind(ctx context.Context, connID string) (prev string, ok bool, err error)
	// Touch refreshes last_seen. Unknown connections are ignored.
	Touch(ctx context.Context, connID string) error
	Get(ctx context.Context, connID string) (model.Connection, bool, error)
	// MembersOf snapshots the session's connections at call time. The
	// sequence can be ranged over once.
	MembersOf(ctx context.Context, sessionID string) (iter.Seq[string], error)
	// ReapStale removes and returns connections last seen before cutoff.
	ReapStale(ctx context.Context, cutoff time.Time) ([]model.Connection, error)
	// Remove destroys the connection on transport disconnect.
	Remove(ctx context.Context, connID string) (model.Connection, bool, error)
}

type options struct {
	now func() time.Time
}

type Option func(*options)

// WithClock overrides the time source used for last_seen.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// snapshotSeq yields ids once. A second range over it yields nothing.
func snapshotSeq(ids []string) iter.Seq[string] {
	var used atomic.Bool
	return func(yield func(string) bool) {
		if used.Swap(true) {
			return
		}
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

var (
	_ Registry = (*Memory)(nil)
	_ Registry = (*Redis)(nil)
)
