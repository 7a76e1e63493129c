package transport

import (
	"context"
	"fmt"
	"sync"
)

// Outbox is a bounded per-connection send queue. The queue channel is never
// closed; readers select on Done instead.
type Outbox struct {
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewOutbox(size int) *Outbox {
	return &Outbox{
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
}

func (o *Outbox) Enqueue(ctx context.Context, payload []byte) error {
	select {
	case <-o.done:
		return ErrConnectionGone
	default:
	}

	select {
	case o.queue <- payload:
		return nil
	case <-o.done:
		return ErrConnectionGone
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSendTimeout, ctx.Err())
	}
}

// Queue is drained by the connection's writer.
func (o *Outbox) Queue() <-chan []byte {
	return o.queue
}

func (o *Outbox) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

func (o *Outbox) Done() <-chan struct{} {
	return o.done
}
