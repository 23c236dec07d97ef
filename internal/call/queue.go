package call

import "sync"

// serialQueue executes submitted functions one at a time, in submission
// order, on a single goroutine. It is the call-control sequence: every
// session mutation runs here, which is what makes the current-call guard
// sufficient without locking.
type serialQueue struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newSerialQueue(depth int) *serialQueue {
	q := &serialQueue{tasks: make(chan func(), depth)}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for fn := range q.tasks {
			fn()
		}
	}()
	return q
}

// async enqueues fn and returns immediately. Tasks submitted after close
// are dropped.
func (q *serialQueue) async(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tasks <- fn
	q.mu.Unlock()
}

// sync enqueues fn and waits for it to run. Returns false if the queue is
// closed.
func (q *serialQueue) sync(fn func()) bool {
	done := make(chan struct{})
	ok := false
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks <- func() {
		fn()
		close(done)
	}
	ok = true
	q.mu.Unlock()
	<-done
	return ok
}

// close stops the queue after draining already-submitted tasks.
func (q *serialQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
}
