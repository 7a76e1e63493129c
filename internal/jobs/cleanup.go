package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// EpisodePruner is the archive's retention hook.
type EpisodePruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob drops archived presence episodes older than the retention.
type CleanupJob struct {
	episodes  EpisodePruner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	done      chan struct{}
}

func NewCleanupJob(episodes EpisodePruner, retention, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		episodes:  episodes,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("retention", j.retention).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	j.runCleanup(ctx, "presence episodes", func(ctx context.Context) (int64, error) {
		return j.episodes.DeleteOlderThan(ctx, cutoff)
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
