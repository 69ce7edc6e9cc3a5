package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastConfig() Config {
	return Config{
		Interval:       5 * time.Millisecond,
		RatePerSecond:  1000,
		Burst:          100,
		AttemptTimeout: time.Second,
	}
}

func TestDrainRemovesSucceededJobs(t *testing.T) {
	q := NewQueue(fastConfig(), nil)
	var calls atomic.Int32
	q.Enqueue("arm:a", func(context.Context) error { calls.Add(1); return nil })
	q.Enqueue("arm:b", func(context.Context) error { calls.Add(1); return nil })
	require.Equal(t, 2, q.Len())

	ok, failed := q.Drain(context.Background())

	assert.Equal(t, 2, ok)
	assert.Zero(t, failed)
	assert.Zero(t, q.Len())
	assert.Equal(t, int32(2), calls.Load())
}

func TestDrainKeepsFailedJobs(t *testing.T) {
	q := NewQueue(fastConfig(), nil)
	attempts := 0
	q.Enqueue("outcome:d1", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	for i := 0; i < 2; i++ {
		_, failed := q.Drain(context.Background())
		assert.Equal(t, 1, failed)
		assert.True(t, q.Pending("outcome:d1"))
	}

	ok, _ := q.Drain(context.Background())
	assert.Equal(t, 1, ok)
	assert.False(t, q.Pending("outcome:d1"))
	assert.Equal(t, 3, attempts)
}

func TestEnqueueReplacesSameKey(t *testing.T) {
	q := NewQueue(fastConfig(), nil)
	var first, second atomic.Int32
	q.Enqueue("arm:a", func(context.Context) error { first.Add(1); return nil })
	q.Enqueue("arm:a", func(context.Context) error { second.Add(1); return nil })

	assert.Equal(t, 1, q.Len())
	q.Drain(context.Background())
	assert.Zero(t, first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestReplacementDuringAttemptStaysQueued(t *testing.T) {
	q := NewQueue(fastConfig(), nil)
	q.Enqueue("arm:a", func(context.Context) error {
		q.Enqueue("arm:a", func(context.Context) error { return nil })
		return nil
	})

	ok, _ := q.Drain(context.Background())
	assert.Equal(t, 1, ok)
	assert.True(t, q.Pending("arm:a"), "newer write must survive the older success")
}

func TestRunStopsOnCancel(t *testing.T) {
	q := NewQueue(fastConfig(), nil)
	done := make(chan struct{})
	q.Enqueue("decision:x", func(context.Context) error { close(done); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued job never ran")
	}
	cancel()
	<-stopped
	assert.Zero(t, q.Len())
}

func TestAttemptTimeoutApplied(t *testing.T) {
	cfg := fastConfig()
	cfg.AttemptTimeout = 10 * time.Millisecond
	q := NewQueue(cfg, nil)
	q.Enqueue("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, failed := q.Drain(context.Background())
	assert.Equal(t, 1, failed)
}
