package dispatch

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Queue runs submitted functions one at a time in submission order on a
// single worker goroutine. Work submitted from inside a running task is
// queued behind everything already submitted, never run inline.
type Queue struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool

	done chan struct{}
}

// New starts the worker goroutine for a named queue.
func New(name string) *Queue {
	q := &Queue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		task()
	}
}

// Submit enqueues fn for execution. Submissions after Close are dropped.
func (q *Queue) Submit(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		log.Debug().Msgf("dispatch.Queue.Submit dropped queue=%q reason=closed", q.name)
		return
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.cond.Signal()
}

// Sync blocks until every task submitted before it has run. Returns
// immediately once the queue is closed.
func (q *Queue) Sync() {
	marker := make(chan struct{})
	q.Submit(func() { close(marker) })
	select {
	case <-marker:
	case <-q.done:
	}
}

// Close stops accepting work, drains tasks already queued, and waits for
// the worker to exit. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Signal()
	<-q.done
}
