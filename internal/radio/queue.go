package radio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrQueueStopped is returned for tasks still queued when the queue
// shuts down.
var ErrQueueStopped = errors.New("radio: task queue stopped")

// The companion firmware cannot interleave commands, so every radio
// operation funnels through a single-writer task queue. Tasks run
// strictly in submission order.

type taskResult struct {
	value any
	err   error
}

type task struct {
	id   string
	name string
	ctx  context.Context
	fn   func(context.Context) (any, error)
	done chan taskResult
}

// TaskQueue serialises radio commands. While stopped, submitted tasks
// run inline on the caller's goroutine; once started, a single worker
// executes them in FIFO order.
type TaskQueue struct {
	log *zap.Logger

	mu      sync.Mutex
	running bool
	tasks   chan *task
}

func NewTaskQueue(log *zap.Logger) *TaskQueue {
	return &TaskQueue{log: log.Named("taskq")}
}

// Start launches the worker. Calling Start on a running queue is a no-op.
func (q *TaskQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.tasks = make(chan *task, 64)
	go q.run(q.tasks)
}

// Stop shuts the worker down. Tasks still queued fail with
// ErrQueueStopped. Calling Stop on a stopped queue is a no-op.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	q.running = false
	close(q.tasks)
	q.tasks = nil
}

// Submit runs fn through the queue and returns its result. It blocks
// until the task finishes or ctx is done; a cancelled ctx abandons the
// wait but the task may still run.
func (q *TaskQueue) Submit(ctx context.Context, name string, fn func(context.Context) (any, error)) (any, error) {
	t := &task{
		id:   uuid.NewString()[:8],
		name: name,
		ctx:  ctx,
		fn:   fn,
		done: make(chan taskResult, 1),
	}

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		// Inline execution keeps one-off commands working before the
		// session loop is up.
		res := q.execute(t)
		return res.value, res.err
	}
	select {
	case q.tasks <- t:
	default:
		q.mu.Unlock()
		return nil, fmt.Errorf("radio: task queue full, dropping %q", name)
	}
	q.mu.Unlock()

	select {
	case res := <-t.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *TaskQueue) run(tasks chan *task) {
	for t := range tasks {
		q.mu.Lock()
		running := q.running
		q.mu.Unlock()
		if !running {
			t.done <- taskResult{err: ErrQueueStopped}
			continue
		}
		if err := t.ctx.Err(); err != nil {
			t.done <- taskResult{err: err}
			continue
		}
		t.done <- q.execute(t)
	}
	// Drained after close: nothing left to cancel.
}

func (q *TaskQueue) execute(t *task) (res taskResult) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task panicked",
				zap.String("task", t.name), zap.String("id", t.id), zap.Any("panic", r))
			res = taskResult{err: fmt.Errorf("radio: task %s panicked: %v", t.name, r)}
		}
	}()
	q.log.Debug("running task", zap.String("task", t.name), zap.String("id", t.id))
	value, err := t.fn(t.ctx)
	return taskResult{value: value, err: err}
}
