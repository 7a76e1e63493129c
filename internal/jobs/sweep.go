package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/presence-server-go/internal/presence"
)

type Sweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (presence.SweepResult, error)
}

// SweepJob reaps connections that have not been seen for heartbeatTimeout.
// Reaping is the only way a silently dead client is noticed.
type SweepJob struct {
	sweeper          Sweeper
	heartbeatTimeout time.Duration
	interval         time.Duration
	now              func() time.Time
	done             chan struct{}
	stopped          chan struct{}
}

func NewSweepJob(sweeper Sweeper, heartbeatTimeout, interval time.Duration) *SweepJob {
	return &SweepJob{
		sweeper:          sweeper,
		heartbeatTimeout: heartbeatTimeout,
		interval:         interval,
		now:              time.Now,
		done:             make(chan struct{}),
		stopped:          make(chan struct{}),
	}
}

func (j *SweepJob) Start() {
	go j.run()
	log.Info().
		Dur("interval", j.interval).
		Dur("heartbeatTimeout", j.heartbeatTimeout).
		Msg("sweep job started")
}

// Stop waits for an in-flight sweep to finish.
func (j *SweepJob) Stop() {
	close(j.done)
	<-j.stopped
	log.Info().Msg("sweep job stopped")
}

func (j *SweepJob) run() {
	defer close(j.stopped)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *SweepJob) sweep() {
	// A sweep must finish well before the next tick.
	ctx, cancel := context.WithTimeout(context.Background(), j.interval)
	defer cancel()

	cutoff := j.now().Add(-j.heartbeatTimeout)
	if _, err := j.sweeper.Sweep(ctx, cutoff); err != nil {
		log.Error().Err(err).Time("cutoff", cutoff).Msg("presence sweep failed")
	}
}
