package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clinicboard/reportpipe/internal/logging"
	"github.com/clinicboard/reportpipe/internal/ratelimiting"
	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrSchedulerClosed = errors.New("scheduler closed")

// Job is a unit of work executed under a named rate-limit bucket. Run is
// retried up to MaxAttempts times before the task is marked failed.
type Job struct {
	Name        string
	Bucket      string
	Priority    Priority
	MaxAttempts int
	Run         func(ctx context.Context) error
}

// Task is the handle returned by Submit. Err is valid once Done is closed.
type Task struct {
	job Job
	seq uint64

	// guarded by the scheduler's mutex while queued
	index    int
	priority Priority

	mu       sync.Mutex
	attempts int
	err      error
	done     chan struct{}
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task has finished or the context is cancelled, and
// returns the task's final error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	task := x.(*Task)
	task.index = len(*q)
	*q = append(*q, task)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*q = old[:n-1]
	return task
}

type Metrics struct {
	Queued    int
	Running   int
	Submitted int64
	Completed int64
	Failed    int64
	Retries   int64
}

type schedulerMetricsCollection struct {
	jobCount    metric.Int64Counter
	retryCount  metric.Int64Counter
	jobDuration metric.Float64Histogram
}

var metrics schedulerMetricsCollection

func init() {
	const name = "reportpipe/scheduler"
	meter := otel.Meter(name)

	jobCount, err := meter.Int64Counter(
		"scheduler/job_count",
		metric.WithDescription("Total number of jobs finished, by outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create job count metric: %w", err))
	}

	retryCount, err := meter.Int64Counter(
		"scheduler/retry_count",
		metric.WithDescription("Total number of job retry attempts"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create retry count metric: %w", err))
	}

	jobDuration, err := meter.Float64Histogram(
		"scheduler/job_duration_seconds",
		metric.WithDescription("Execution time for finished jobs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create job duration metric: %w", err))
	}

	metrics = schedulerMetricsCollection{
		jobCount:    jobCount,
		retryCount:  retryCount,
		jobDuration: jobDuration,
	}
}

// Scheduler executes submitted jobs on a fixed pool of workers, highest
// priority first, throttled per named bucket.
type Scheduler struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue taskQueue
	seq   uint64

	buckets        map[string]*rate.Limiter
	defaultLimiter ratelimiting.WaitingRateLimiter
	stopLimiter    func()

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool

	running   int
	submitted int64
	completed int64
	failed    int64
	retries   int64
}

func New(ctx context.Context, workers int) *Scheduler {
	if workers <= 0 {
		workers = 4
	}

	defaultLimiter, stopLimiter := ratelimiting.NewTokenBucketRateLimiter(10, 10)

	baseCtx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		buckets:        make(map[string]*rate.Limiter),
		defaultLimiter: defaultLimiter,
		stopLimiter:    stopLimiter,
		baseCtx:        baseCtx,
		cancel:         cancel,
	}
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.work()
	}

	return s
}

// RegisterBucket configures a dedicated rate limit for the named bucket.
// Unregistered buckets fall back to a shared default limiter.
func (s *Scheduler) RegisterBucket(name string, refillPerSecond float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[name] = rate.NewLimiter(rate.Limit(refillPerSecond), burst)
}

func (s *Scheduler) Submit(job Job) *Task {
	task := &Task{
		job:      job,
		priority: job.Priority,
		index:    -1,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		task.finish(ErrSchedulerClosed)
		return task
	}
	s.seq++
	task.seq = s.seq
	s.submitted++
	heap.Push(&s.queue, task)
	s.cond.Signal()
	s.mu.Unlock()

	return task
}

// Elevate raises a still-queued task's priority in place. It returns false if
// the task has already been dequeued or the new priority is not higher.
func (s *Scheduler) Elevate(task *Task, priority Priority) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.index < 0 || priority <= task.priority {
		return false
	}

	task.priority = priority
	heap.Fix(&s.queue, task.index)
	return true
}

func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{
		Queued:    len(s.queue),
		Running:   s.running,
		Submitted: s.submitted,
		Completed: s.completed,
		Failed:    s.failed,
		Retries:   s.retries,
	}
}

// Close stops accepting new jobs, drains the queue, and waits for the
// workers. Queued jobs that have not started are failed with
// ErrSchedulerClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	drained := make([]*Task, len(s.queue))
	copy(drained, s.queue)
	for _, task := range drained {
		task.index = -1
	}
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, task := range drained {
		task.finish(ErrSchedulerClosed)
	}

	s.cancel()
	s.wg.Wait()
	s.stopLimiter()
}

func (s *Scheduler) work() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		task := heap.Pop(&s.queue).(*Task)
		s.running++
		s.mu.Unlock()

		err := s.runTask(task)
		task.finish(err)

		s.mu.Lock()
		s.running--
		if err != nil {
			s.failed++
		} else {
			s.completed++
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) runTask(task *Task) error {
	ctx := s.baseCtx
	logger := logging.FromContext(ctx)

	maxAttempts := task.job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	outcome := "completed"
	start := time.Now()
	defer func() {
		attrs := metric.WithAttributes(
			attribute.String("bucket", task.job.Bucket),
			attribute.String("outcome", outcome),
		)
		metrics.jobCount.Add(ctx, 1, attrs)
		metrics.jobDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if waitErr := s.waitForBucket(ctx, task.job.Bucket); waitErr != nil {
			outcome = "cancelled"
			return fmt.Errorf("waiting for bucket %q: %w", task.job.Bucket, waitErr)
		}

		task.mu.Lock()
		task.attempts = attempt
		task.mu.Unlock()

		err = task.job.Run(ctx)
		if err == nil {
			return nil
		}

		if attempt < maxAttempts {
			logger.Info("Job failed, retrying",
				"job", task.job.Name,
				"attempt", attempt,
				"error", err.Error(),
			)
			s.mu.Lock()
			s.retries++
			s.mu.Unlock()
			metrics.retryCount.Add(ctx, 1, metric.WithAttributes(
				attribute.String("bucket", task.job.Bucket),
			))
		}
	}

	outcome = "failed"
	return fmt.Errorf("job %q failed after %d attempts: %w", task.job.Name, maxAttempts, err)
}

func (s *Scheduler) waitForBucket(ctx context.Context, bucket string) error {
	if bucket == "" {
		return nil
	}

	s.mu.Lock()
	limiter, ok := s.buckets[bucket]
	s.mu.Unlock()

	if ok {
		return limiter.Wait(ctx)
	}
	return s.defaultLimiter.Wait(ctx, bucket)
}
