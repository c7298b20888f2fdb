package mesh

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type pendingQuery struct {
	id       string
	connID   string
	done     chan struct{}
	once     sync.Once
	response any
	err      error
}

func (p *pendingQuery) finish(response any, err error) bool {
	finished := false
	p.once.Do(func() {
		p.response = response
		p.err = err
		close(p.done)
		finished = true
	})
	return finished
}

// correlator matches queryResponse messages to the proxy calls waiting on them.
type correlator struct {
	token   string
	counter atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingQuery
}

func newCorrelator(token string) *correlator {
	return &correlator{token: token, pending: make(map[string]*pendingQuery)}
}

// NextID returns an id unique to this process instance.
func (c *correlator) NextID() string {
	return c.token + "-" + strconv.FormatUint(c.counter.Add(1), 10)
}

// Register records a query sent over connection connID.
func (c *correlator) Register(id, connID string) *pendingQuery {
	p := &pendingQuery{id: id, connID: connID, done: make(chan struct{})}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	return p
}

// Resolve completes the pending query once. Unknown or late ids are ignored.
func (c *correlator) Resolve(id string, response any) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	return p.finish(response, nil)
}

// DropConn fails every query still waiting on connID.
func (c *correlator) DropConn(connID string) int {
	c.mu.Lock()
	var dropped []*pendingQuery
	for id, p := range c.pending {
		if p.connID == connID {
			dropped = append(dropped, p)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	for _, p := range dropped {
		p.finish(nil, ErrConnClosed)
	}
	return len(dropped)
}

// Wait blocks until p is resolved, the timeout passes or ctx ends. The entry
// is always removed before Wait returns.
func (c *correlator) Wait(ctx context.Context, p *pendingQuery, timeout time.Duration) (any, error) {
	defer c.forget(p.id)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.response, p.err
	case <-timer.C:
		return nil, ErrQueryTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *correlator) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
