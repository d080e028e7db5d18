package push

import "sync"

// jobQueue is an unbounded FIFO of pending job ids. Producers never
// block; consumers block until an item arrives or the queue is closed.
type jobQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []string
	closed bool
}

func newJobQueue() *jobQueue {
	q := &jobQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueue appends a job id. Enqueueing on a closed queue is a no-op.
func (q *jobQueue) enqueue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, id)
	q.cond.Signal()
}

// dequeue blocks until an item is available or the queue is closed and
// drained, in which case it reports false.
func (q *jobQueue) dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

// close stops accepting new items. Already-queued items can still be
// dequeued.
func (q *jobQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
