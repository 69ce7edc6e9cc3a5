package retry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mintenance/critic-controller/internal/metrics"
)

// #region config
// Config controls how often queued writes are retried.
type Config struct {
	Interval       time.Duration // pause between drain passes
	RatePerSecond  float64       // max attempts per second across all jobs
	Burst          int
	AttemptTimeout time.Duration // deadline for a single attempt
}

// DefaultConfig retries every 5s at up to 20 attempts/s.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Second,
		RatePerSecond:  20,
		Burst:          5,
		AttemptTimeout: 2 * time.Second,
	}
}

// #endregion config

// #region queue
// Func performs one write attempt.
type Func func(ctx context.Context) error

type job struct {
	fn       Func
	gen      int
	attempts int
	queuedAt time.Time
}

// Queue holds persistence writes that failed and must not be dropped. Jobs are keyed;
// enqueuing an existing key replaces its function, so only the latest write per key runs.
// Safe for concurrent use.
type Queue struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// NewQueue creates an empty queue. A nil logger disables logging.
func NewQueue(cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultConfig().RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	return &Queue{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger,
		jobs:    make(map[string]*job),
	}
}

// Enqueue schedules fn under key.
func (q *Queue) Enqueue(key string, fn Func) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[key]; ok {
		j.fn = fn
		j.gen++
		return
	}
	q.jobs[key] = &job{fn: fn, queuedAt: time.Now()}
	metrics.RetryQueueDepth.Set(float64(len(q.jobs)))
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Pending reports whether key is queued.
func (q *Queue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[key]
	return ok
}

// #endregion queue

// #region drain
// Drain makes one attempt per queued job, in key order. Successful jobs are removed;
// failures stay queued and are logged at error level.
func (q *Queue) Drain(ctx context.Context) (succeeded, failed int) {
	q.mu.Lock()
	keys := make([]string, 0, len(q.jobs))
	for k := range q.jobs {
		keys = append(keys, k)
	}
	q.mu.Unlock()
	sort.Strings(keys)

	for _, key := range keys {
		if err := q.limiter.Wait(ctx); err != nil {
			return succeeded, failed
		}

		q.mu.Lock()
		j, ok := q.jobs[key]
		if !ok {
			q.mu.Unlock()
			continue
		}
		fn, gen := j.fn, j.gen
		j.attempts++
		attempts := j.attempts
		queuedFor := time.Since(j.queuedAt)
		q.mu.Unlock()

		actx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		err := fn(actx)
		cancel()

		if err != nil {
			failed++
			metrics.RetryAttemptsTotal.WithLabelValues("failed").Inc()
			q.logger.Error("persistence retry failed",
				zap.String("key", key),
				zap.Int("attempts", attempts),
				zap.Duration("queued_for", queuedFor),
				zap.Error(err),
			)
			continue
		}

		succeeded++
		metrics.RetryAttemptsTotal.WithLabelValues("succeeded").Inc()
		q.mu.Lock()
		// a newer write may have replaced fn while this attempt ran
		if cur, ok := q.jobs[key]; ok && cur == j && cur.gen == gen {
			delete(q.jobs, key)
		}
		metrics.RetryQueueDepth.Set(float64(len(q.jobs)))
		q.mu.Unlock()
		q.logger.Info("persistence retry succeeded", zap.String("key", key), zap.Int("attempts", attempts))
	}
	return succeeded, failed
}

// Run drains the queue every Interval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.Len() > 0 {
				q.Drain(ctx)
			}
		}
	}
}

// #endregion drain
