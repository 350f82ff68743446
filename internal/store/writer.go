package store

import "sync"

// writeQueue is an unbounded FIFO of write jobs consumed by exactly one
// goroutine. Enqueue never blocks; close drains every job already
// accepted before the consumer exits.
type writeQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool
	done   chan struct{}
}

func newWriteQueue() *writeQueue {
	q := &writeQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueue appends a job and wakes the writer. It reports whether the job
// was accepted; jobs offered after close are dropped.
func (q *writeQueue) enqueue(job func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, job)
	q.cond.Signal()
	return true
}

// run is the writer loop. It waits until a job is available or the queue
// is closed, executes one job fully before taking the next, and on close
// keeps going until the queue is empty.
func (q *writeQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job()
	}
}

// close stops intake, signals the writer, and blocks until the remaining
// jobs have been executed.
func (q *writeQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}
