package bus

import (
	"context"
	"sync"
)

// queue is an unbounded-by-default FIFO drained by one worker goroutine.
type queue struct {
	name  string
	limit int

	mu     sync.Mutex
	items  []Call
	closed bool
	signal chan struct{}
}

func newQueue(name string, limit int) *queue {
	return &queue{
		name:   name,
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

func (q *queue) push(call Call) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, call)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *queue) pop() (Call, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Call{}, false
	}
	call := q.items[0]
	q.items[0] = Call{}
	q.items = q.items[1:]
	return call, true
}

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// run drains the queue in FIFO order until ctx is done. The item in flight
// always completes; anything still queued at shutdown is dropped.
func (q *queue) run(ctx context.Context, handle func(context.Context, Call)) {
	for {
		for {
			if ctx.Err() != nil {
				return
			}
			call, ok := q.pop()
			if !ok {
				break
			}
			handle(ctx, call)
		}
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
	}
}
