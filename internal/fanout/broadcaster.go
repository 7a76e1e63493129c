package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/presence-server-go/internal/registry"
	"github.com/openclaw/presence-server-go/internal/retry"
	"github.com/openclaw/presence-server-go/internal/transport"
)

const (
	DefaultWorkers     = 32
	DefaultSendTimeout = 2 * time.Second
)

// Report describes one broadcast. Attempted = Delivered + Pruned + Failed.
type Report struct {
	SessionID string    `json:"sessionId"`
	Attempted int       `json:"attempted"`
	Delivered int       `json:"delivered"`
	Pruned    int       `json:"pruned"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Failure is a delivery that failed without proving the connection dead.
type Failure struct {
	ConnectionID string `json:"connectionId"`
	Error        string `json:"error"`
}

// Broadcaster delivers one payload to every connection bound to a session.
// Each broadcast runs its own bounded pool so a large session cannot hold
// workers other sessions need.
type Broadcaster struct {
	registry    registry.Registry
	transport   transport.Transport
	workers     int
	sendTimeout time.Duration
	retry       *retry.Policy
}

type Option func(*Broadcaster)

func WithWorkers(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.workers = n
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.sendTimeout = d
		}
	}
}

// WithDeliveryRetry retries sends that time out. Gone connections are never
// retried.
func WithDeliveryRetry(p retry.Policy) Option {
	return func(b *Broadcaster) {
		p = p.WithClassifier(func(err error) bool {
			return errors.Is(err, transport.ErrSendTimeout)
		})
		b.retry = &p
	}
}

func NewBroadcaster(reg registry.Registry, t transport.Transport, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		registry:    reg,
		transport:   t,
		workers:     DefaultWorkers,
		sendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast never fails because of individual deliveries. It returns an
// error only when the session's members cannot be listed.
func (b *Broadcaster) Broadcast(ctx context.Context, sessionID string, payload []byte) (Report, error) {
	report := Report{SessionID: sessionID}

	members, err := b.registry.MembersOf(ctx, sessionID)
	if err != nil {
		return report, err
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(b.workers)

	for connID := range members {
		report.Attempted++
		g.Go(func() error {
			err := b.deliver(ctx, connID, payload)

			pruned := false
			if transport.IsGone(err) {
				if _, _, uerr := b.registry.Unbind(ctx, connID); uerr != nil {
					log.Warn().Err(uerr).Str("connectionId", connID).Msg("failed to prune connection")
				}
				pruned = true
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Delivered++
			case pruned:
				report.Pruned++
			default:
				report.Failed++
				report.Failures = append(report.Failures, Failure{ConnectionID: connID, Error: err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Debug().
		Str("sessionId", sessionID).
		Int("attempted", report.Attempted).
		Int("delivered", report.Delivered).
		Int("pruned", report.Pruned).
		Int("failed", report.Failed).
		Msg("broadcast completed")

	return report, nil
}

func (b *Broadcaster) deliver(ctx context.Context, connID string, payload []byte) error {
	send := func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, b.sendTimeout)
		defer cancel()
		return b.transport.Send(sctx, connID, payload)
	}
	if b.retry == nil {
		return send(ctx)
	}
	return retry.DoErr(ctx, *b.retry, send)
}
