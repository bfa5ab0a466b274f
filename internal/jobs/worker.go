package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"instaup/internal/metrics"
)

// Worker 轮询 Queue，把到期任务交给已注册的 handler 执行。
type Worker struct {
	queue    Queue
	interval time.Duration
	lease    time.Duration
	timeout  time.Duration
	batch    int
	now      func() time.Time
	backoff  func(attempt int) time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

type Option func(*Worker)

func WithInterval(d time.Duration) Option { return func(w *Worker) { w.interval = d } }
func WithLease(d time.Duration) Option    { return func(w *Worker) { w.lease = d } }
func WithTimeout(d time.Duration) Option  { return func(w *Worker) { w.timeout = d } }
func WithBatch(n int) Option              { return func(w *Worker) { w.batch = n } }

// WithClock 替换时钟，测试用它推进时间。
func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

func WithBackoff(f func(attempt int) time.Duration) Option {
	return func(w *Worker) { w.backoff = f }
}

func NewWorker(q Queue, opts ...Option) *Worker {
	w := &Worker{
		queue:    q,
		interval: 5 * time.Second,
		lease:    2 * time.Minute,
		timeout:  time.Minute,
		batch:    20,
		now:      func() time.Time { return time.Now().UTC() },
		backoff:  Backoff,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle 为名为 name 的任务注册 h，重复注册以最后一次为准。
func (w *Worker) Handle(name string, h Handler) {
	w.mu.Lock()
	w.handlers[name] = h
	w.mu.Unlock()
}

// Backoff 从 5s 起每次翻倍，最多十分钟。
func Backoff(attempt int) time.Duration {
	const (
		base = 5 * time.Second
		max  = 10 * time.Minute
	)
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Run 持续轮询直到 ctx 取消。
func (w *Worker) Run(ctx context.Context) {
	log.Info().Dur("interval", w.interval).Msg("job worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("job poll failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("job worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce 认领一批到期任务并执行，返回成功完成的数量。
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	claimed, err := w.queue.Claim(ctx, now, w.batch, w.lease)
	if err != nil {
		return 0, err
	}
	done := 0
	for i := range claimed {
		if w.process(ctx, &claimed[i]) {
			done++
		}
	}
	return done, nil
}

func (w *Worker) process(ctx context.Context, job *Job) bool {
	logger := log.With().Str("job_id", job.ID).Str("name", job.Name).Int("attempt", job.Attempts).Logger()

	w.mu.RLock()
	h, ok := w.handlers[job.Name]
	w.mu.RUnlock()

	var runErr error
	if !ok {
		runErr = fmt.Errorf("no handler registered for %q", job.Name)
	} else {
		runErr = w.invoke(ctx, h, job.Payload)
	}

	if runErr == nil {
		if err := w.queue.Complete(ctx, job.ID, w.now()); err != nil {
			logger.Error().Err(err).Msg("job complete failed")
			return false
		}
		metrics.JobsCompleted.WithLabelValues(job.Name).Inc()
		logger.Debug().Msg("job done")
		return true
	}

	metrics.JobsFailed.WithLabelValues(job.Name).Inc()
	next := w.now().Add(w.backoff(job.Attempts))
	logger.Warn().Err(runErr).Time("retry_at", next).Msg("job failed")
	if err := w.queue.Retry(ctx, job.ID, next, runErr); err != nil {
		logger.Error().Err(err).Msg("job reschedule failed")
	}
	return false
}

func (w *Worker) invoke(ctx context.Context, h Handler, payload []byte) (err error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, payload)
}
