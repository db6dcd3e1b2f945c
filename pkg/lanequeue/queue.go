package lanequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/npcagent/internal/observability"
	"github.com/harun/npcagent/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned for tasks submitted to, or still pending in, a closed queue.
var ErrClosed = errors.New("lane queue closed")

// Task is a unit of work executed on a lane.
type Task func(ctx context.Context) (interface{}, error)

// Completion is the handle returned by Enqueue. It settles exactly once.
type Completion struct {
	done  chan struct{}
	value interface{}
	err   error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) settle(value interface{}, err error) {
	c.value = value
	c.err = err
	close(c.done)
}

// Done is closed once the task has settled.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the task settles or ctx is done.
func (c *Completion) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	completion *Completion
}

// lane is created on first use and lives for the queue's lifetime.
type lane struct {
	mu      sync.Mutex
	queue   []*taskRecord
	running bool
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Queued  int  `json:"queued"`
	Running bool `json:"running"`
}

// Queue serializes tasks per key.
type Queue struct {
	mu     sync.RWMutex
	lanes  map[string]*lane
	seq    uint64
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the base logger. Defaults to the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends task to the lane for key and returns its completion handle.
// It never blocks on task execution.
func (q *Queue) Enqueue(ctx context.Context, key string, task Task) *Completion {
	if ctx == nil {
		ctx = context.Background()
	}
	completion := newCompletion()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		completion.settle(nil, ErrClosed)
		return completion
	}
	q.seq++
	taskID := fmt.Sprintf("%s-%d", key, q.seq)
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	// wg.Add happens under q.mu so Close cannot start waiting between the
	// closed check and the worker launch.
	l.mu.Lock()
	l.queue = append(l.queue, &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        tracing.WithLaneKey(ctx, key),
		enqueuedAt: time.Now(),
		completion: completion,
	})
	depth := len(l.queue)
	start := !l.running
	if start {
		l.running = true
		q.wg.Add(1)
	}
	l.mu.Unlock()
	q.mu.Unlock()

	q.logger.Debug().
		Str("lane", key).
		Str("task_id", taskID).
		Int("queue_size", depth).
		Msg("Task enqueued")
	observability.RecordLaneEnqueue(key, depth)

	if start {
		go q.drain(key, l)
	}
	return completion
}

// drain runs the lane's tasks until its queue is empty. At most one drain
// goroutine exists per lane.
func (q *Queue) drain(key string, l *lane) {
	defer q.wg.Done()

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		record := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		q.execute(key, l, record)
	}
}

func (q *Queue) execute(key string, l *lane, record *taskRecord) {
	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"npcagent.lanequeue",
		"lanequeue.execute_task",
		attribute.String("task_id", record.id),
	)

	logger := tracing.LoggerFromContext(taskCtx, q.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := runTask(runCtx, record.task)
	duration := time.Since(startTime)

	l.mu.Lock()
	depth := len(l.queue)
	l.mu.Unlock()

	record.completion.settle(value, err)
	tracing.EndSpan(span, err)

	if err != nil {
		logger.Error().
			Str("task_id", record.id).
			Dur("duration", duration).
			Dur("waited", startTime.Sub(record.enqueuedAt)).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordLaneCompletion(key, duration, err == nil, depth)
}

func runTask(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (q *Queue) laneFor(key string) *lane {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.lanes[key]
}

// IsBusy reports whether a task is running on key. Unknown keys are idle.
func (q *Queue) IsBusy(key string) bool {
	l := q.laneFor(key)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// QueueDepth returns the number of tasks waiting on key, excluding the one
// running. Unknown keys report 0.
func (q *Queue) QueueDepth(key string) int {
	l := q.laneFor(key)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Stats returns a snapshot of every lane.
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := make(map[string]LaneStats, len(q.lanes))
	for key, l := range q.lanes {
		l.mu.Lock()
		stats[key] = LaneStats{Queued: len(l.queue), Running: l.running}
		l.mu.Unlock()
	}
	return stats
}

// WaitForIdle blocks until no lane has work or ctx is done.
func (q *Queue) WaitForIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true
		for _, s := range q.Stats() {
			if s.Running || s.Queued > 0 {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close rejects pending tasks with ErrClosed, cancels running tasks' contexts
// and waits for lane workers to exit. Safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return nil
	}
	q.closed = true

	var dropped []*taskRecord
	for key, l := range q.lanes {
		l.mu.Lock()
		dropped = append(dropped, l.queue...)
		l.queue = nil
		l.mu.Unlock()
		observability.SetLaneDepth(key, 0)
	}
	q.mu.Unlock()

	for _, record := range dropped {
		record.completion.settle(nil, ErrClosed)
	}

	q.cancel()
	q.wg.Wait()

	if len(dropped) > 0 {
		q.logger.Info().Int("dropped", len(dropped)).Msg("Lane queue closed")
	}
	return nil
}
