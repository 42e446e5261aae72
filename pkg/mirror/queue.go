package mirror

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("mirror closed")

type job struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

// Queue is a bounded FIFO of jobs served by exactly one worker, so no two jobs ever run
// at the same time and they run in submission order.
type Queue struct {
	jobs    chan job
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewQueue starts a queue holding at most size waiting jobs.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	q := &Queue{
		jobs:    make(chan job, size),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.work()
	return q
}

func (q *Queue) work() {
	defer close(q.stopped)
	for {
		select {
		case <-q.done:
			q.drain()
			return
		case j := <-q.jobs:
			if err := j.ctx.Err(); err != nil {
				j.result <- err
				continue
			}
			j.result <- j.fn(j.ctx)
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case j := <-q.jobs:
			j.result <- ErrClosed
		default:
			return
		}
	}
}

// Do submits fn and waits for it to finish. It blocks while the queue is full. Once fn
// has been accepted Do waits for its result even if ctx is cancelled; fn sees the
// cancellation through its own context.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
	select {
	case err := <-j.result:
		return err
	case <-q.stopped:
		select {
		case err := <-j.result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops the worker after the running job. Waiting jobs fail with ErrClosed.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
	<-q.stopped
}
