package live

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrQueueClosed = errors.New("live queue closed")

// Queue runs submitted tasks one at a time, in submission order, on a single
// goroutine.  Everything that touches connection state, the heartbeat record
// or the cache on the live path goes through it, so none of that needs its
// own locking.
//
// A task must not block on network I/O and must not call Do or Close.
type Queue struct {
	tasks     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	q := &Queue{
		tasks: make(chan func(), size),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go q.loop()
	return q
}

// Submit enqueues fn.  It blocks while the buffer is full and returns false
// once the queue is closed.
func (q *Queue) Submit(fn func()) bool {
	select {
	case <-q.quit:
		return false
	default:
	}
	select {
	case q.tasks <- fn:
		return true
	case <-q.quit:
		return false
	}
}

// Do runs fn on the queue and waits for it to finish.
func (q *Queue) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	task := func() {
		defer close(ran)
		fn()
	}

	select {
	case q.tasks <- task:
	case <-q.quit:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ran:
		return nil
	case <-q.done:
		// Closed before the task got its turn.
		select {
		case <-ran:
			return nil
		default:
			return ErrQueueClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop after the task in progress; queued tasks are dropped.
// Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.quit) })
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)

	for {
		select {
		case <-q.quit:
			return
		case fn := <-q.tasks:
			fn()
		}
	}
}
