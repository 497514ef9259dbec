// Package queue provides the shared work queue between enumeration and the
// download workers. It has two lanes so that tasks from the primary folder
// are always handed out before tasks discovered by the background scan.
package queue

import (
	"sync"

	"github.com/dhcgn/imap-backup/model"
)

// Lane selects which end of the queue a task is pushed to.
type Lane int

const (
	LanePrimary Lane = iota
	LaneSecondary
)

// Queue is an unbounded multi-producer multi-consumer task queue. Pop blocks
// until a task is available or the queue is closed and drained.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	primary   []model.MessageTask
	secondary []model.MessageTask
	closed    bool
}

func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a task on the given lane. It returns false if the queue has
// been closed, in which case the task is dropped.
func (q *Queue) Push(lane Lane, task model.MessageTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if lane == LanePrimary {
		q.primary = append(q.primary, task)
	} else {
		q.secondary = append(q.secondary, task)
	}

	q.cond.Signal()
	return true
}

// Pop blocks until a task is available and returns it. The primary lane is
// always served first. It returns ok=false once the queue is closed and both
// lanes are empty.
func (q *Queue) Pop() (model.MessageTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.primary) == 0 && len(q.secondary) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.primary) > 0 {
		task := q.primary[0]
		q.primary = q.primary[1:]
		return task, true
	}
	if len(q.secondary) > 0 {
		task := q.secondary[0]
		q.secondary = q.secondary[1:]
		return task, true
	}

	return model.MessageTask{}, false
}

// Close marks the queue as finished. Pending tasks remain poppable; once both
// lanes drain, Pop returns false. Further pushes are rejected.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Abort closes the queue and discards all pending tasks. Used on
// cancellation so workers stop after their in-flight task. It returns the
// number of tasks dropped.
func (q *Queue) Abort() int {
	q.mu.Lock()
	dropped := len(q.primary) + len(q.secondary)
	q.primary = nil
	q.secondary = nil
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	return dropped
}

// Len reports the number of pending tasks across both lanes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.primary) + len(q.secondary)
}
