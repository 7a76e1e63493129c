package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/presence-server-go/internal/presence"
)

type mockPruner struct {
	mock.Mock
}

func (m *mockPruner) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

type recordingSweeper struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (s *recordingSweeper) Sweep(_ context.Context, cutoff time.Time) (presence.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	return presence.SweepResult{}, s.err
}

func (s *recordingSweeper) calls() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.cutoffs...)
}

func TestCleanupJob(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("deletes episodes older than retention", func(t *testing.T) {
		pruner := &mockPruner{}
		pruner.On("DeleteOlderThan", mock.Anything, now.Add(-24*time.Hour)).Return(int64(3), nil).Once()

		job := NewCleanupJob(pruner, 24*time.Hour, time.Hour)
		job.now = func() time.Time { return now }
		job.cleanup()

		pruner.AssertExpectations(t)
	})

	t.Run("errors are logged not raised", func(t *testing.T) {
		pruner := &mockPruner{}
		pruner.On("DeleteOlderThan", mock.Anything, mock.Anything).Return(int64(0), errors.New("db down"))

		job := NewCleanupJob(pruner, time.Hour, time.Hour)
		assert.NotPanics(t, job.cleanup)
	})

	t.Run("start runs immediately and stop ends the loop", func(t *testing.T) {
		called := make(chan struct{}, 1)
		pruner := &mockPruner{}
		pruner.On("DeleteOlderThan", mock.Anything, mock.Anything).
			Run(func(mock.Arguments) {
				select {
				case called <- struct{}{}:
				default:
				}
			}).
			Return(int64(0), nil)

		job := NewCleanupJob(pruner, time.Hour, time.Hour)
		job.Start()
		select {
		case <-called:
		case <-time.After(time.Second):
			t.Fatal("cleanup did not run on start")
		}
		job.Stop()
	})
}

func TestSweepJob(t *testing.T) {
	t.Run("cutoff is now minus heartbeat timeout", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		sweeper := &recordingSweeper{}

		job := NewSweepJob(sweeper, 45*time.Second, time.Second)
		job.now = func() time.Time { return now }
		job.sweep()

		assert.Equal(t, []time.Time{now.Add(-45 * time.Second)}, sweeper.calls())
	})

	t.Run("runs on every tick until stopped", func(t *testing.T) {
		sweeper := &recordingSweeper{err: errors.New("redis busy")}

		job := NewSweepJob(sweeper, time.Second, 10*time.Millisecond)
		job.Start()
		require.Eventually(t, func() bool { return len(sweeper.calls()) >= 3 }, time.Second, 5*time.Millisecond)
		job.Stop()

		n := len(sweeper.calls())
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, n, len(sweeper.calls()))
	})
}
