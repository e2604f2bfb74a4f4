package signaling

import (
	"sync"
	"sync/atomic"
)

// outbox is a message-count-bounded FIFO of encoded frames.
//
// Producers never block; the connection's writer goroutine blocks in pop.
// Closing keeps queued frames so the writer can drain them before the close
// frame goes out.
type outbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	max    int
	frames [][]byte

	drops atomic.Uint64
}

func newOutbox(max int) *outbox {
	q := &outbox{max: max}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *outbox) dropCount() uint64 {
	return q.drops.Load()
}

// push appends frame if the queue is open and below its bound.
func (q *outbox) push(frame []byte) bool {
	return q.enqueue(frame, false)
}

// pushAlways ignores the bound. Used for error frames, which are rare and
// must not be lost behind a burst of notices.
func (q *outbox) pushAlways(frame []byte) bool {
	return q.enqueue(frame, true)
}

func (q *outbox) enqueue(frame []byte, force bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || (!force && len(q.frames) >= q.max) {
		q.drops.Add(1)
		return false
	}
	q.frames = append(q.frames, frame)
	q.notEmpty.Signal()
	return true
}

// pop blocks until a frame is available or the queue is closed and empty.
func (q *outbox) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return frame, true
}

func (q *outbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *outbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// discard closes the queue and drops anything still pending.
func (q *outbox) discard() {
	q.mu.Lock()
	q.closed = true
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.frames = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
