// Package queue provides the bounded FIFO job queues feeding each pipeline
// stage.
//
// A queue's capacity bounds the jobs admitted and not yet completed, not just
// the jobs waiting in the channel: a slot is taken on TryEnqueue and only
// returned when the consumer calls Done. With capacity C the (C+1)-th
// admission is rejected with bonsai.ErrOverloaded while C jobs are queued or
// running.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	bonsai "github.com/wolfeidau/bonsai-local"
)

// ErrClosed is returned by TryEnqueue after Close.
var ErrClosed = errors.New("queue closed")

// Kind identifies the pipeline stage a job belongs to.
type Kind string

const (
	KindProve Kind = "prove"
	KindSnark Kind = "snark"
)

// Job references a registry entry; it never carries the payload.
type Job struct {
	SessionID  string
	Kind       Kind
	EnqueuedAt time.Time
}

// Queue is a bounded FIFO of jobs. It is safe for concurrent use.
type Queue struct {
	name  string
	jobs  chan Job
	slots chan struct{}

	mu     sync.RWMutex
	closed bool
}

// New creates a queue admitting at most capacity jobs at a time.
// A capacity below one is treated as one.
func New(name string, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		name:  name,
		jobs:  make(chan Job, capacity),
		slots: make(chan struct{}, capacity),
	}
}

// Name returns the queue name used in logs and metrics.
func (q *Queue) Name() string {
	return q.name
}

// TryEnqueue admits job without blocking. It returns bonsai.ErrOverloaded
// when every slot is taken.
func (q *Queue) TryEnqueue(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	select {
	case q.slots <- struct{}{}:
	default:
		return fmt.Errorf("%s queue full (%d in flight): %w", q.name, cap(q.slots), bonsai.ErrOverloaded)
	}

	// Cannot block: jobs has the same capacity as slots and every buffered
	// job holds a slot.
	q.jobs <- job
	return nil
}

// Jobs returns the channel consumers drain. It is closed by Close.
func (q *Queue) Jobs() <-chan Job {
	return q.jobs
}

// Done releases the slot held by a job the consumer has finished.
func (q *Queue) Done() {
	select {
	case <-q.slots:
	default:
	}
}

// InFlight returns the number of admitted jobs not yet marked Done.
func (q *Queue) InFlight() int {
	return len(q.slots)
}

// Pending returns the number of jobs waiting for a consumer.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.slots)
}

// Close stops admissions and closes the jobs channel so consumers exit after
// draining. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}
