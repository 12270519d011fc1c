package session

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// TurnQueue serialises turn tasks for one session. A single worker goroutine
// runs tasks strictly in enqueue order, so history mutations never interleave
// even when the transport pushes frames faster than the model responds.
//
// The queue is unbounded: Enqueue never blocks the transport read loop.
type TurnQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

// NewTurnQueue starts the worker goroutine and returns the queue.
func NewTurnQueue() *TurnQueue {
	q := &TurnQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Enqueue appends a task to the queue. It reports false when the queue has
// been closed, in which case the task will never run.
func (q *TurnQueue) Enqueue(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, task)
	q.cond.Signal()
	return true
}

// Close stops intake and blocks until every already-enqueued task has run.
// Tasks enqueued before Close still execute; tasks attempted after Close are
// rejected. Close is idempotent.
func (q *TurnQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Signal()
	}
	q.mu.Unlock()
	<-q.done
}

// Len returns the number of tasks waiting to run. The currently executing
// task, if any, is not counted.
func (q *TurnQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *TurnQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		runTask(task)
	}
}

// runTask executes one task, converting a panic into a logged error so a
// single bad turn cannot take the worker down with the session mid-call.
func runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("turn task panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	task()
}
