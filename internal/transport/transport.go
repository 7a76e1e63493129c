package transport

import (
	"context"
	"errors"
)

var (
	// ErrConnectionGone means the connection will never accept another
	// payload. Callers prune it.
	ErrConnectionGone = errors.New("transport: connection gone")
	// ErrSendTimeout means the payload could not be queued in time. The
	// connection may recover.
	ErrSendTimeout = errors.New("transport: send timed out")
)

// Transport pushes bytes to one connection.
type Transport interface {
	Send(ctx context.Context, connID string, payload []byte) error
}

// Sink is the per-connection end of a Transport.
type Sink interface {
	Enqueue(ctx context.Context, payload []byte) error
	Close()
	Done() <-chan struct{}
}

// IsGone reports whether err means the connection is permanently closed.
func IsGone(err error) bool {
	return errors.Is(err, ErrConnectionGone)
}
