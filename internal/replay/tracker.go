package replay

import (
	"context"
	"sync"
	"time"
)

// inboundTracker matches client packets to WaitFor steps. A packet that
// arrives before anyone waits for it is counted and satisfies the next wait
// for its name; each arrival satisfies exactly one wait.
type inboundTracker struct {
	mu      sync.Mutex
	pending map[string]int
	waiters map[string][]*waiter
	closed  error
}

// waiter is fired exactly once, by deliver (err nil) or close.
type waiter struct {
	done chan struct{}
	err  error
}

func newInboundTracker() *inboundTracker {
	return &inboundTracker{
		pending: make(map[string]int),
		waiters: make(map[string][]*waiter),
	}
}

func (t *inboundTracker) deliver(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return
	}

	if queue := t.waiters[name]; len(queue) > 0 {
		close(queue[0].done)
		t.setWaiters(name, queue[1:])
		return
	}
	t.pending[name]++
}

func (t *inboundTracker) wait(ctx context.Context, name string, timeout time.Duration) error {
	t.mu.Lock()
	if t.pending[name] > 0 {
		t.pending[name]--
		t.mu.Unlock()
		return nil
	}
	if t.closed != nil {
		err := t.closed
		t.mu.Unlock()
		return err
	}
	w := &waiter{done: make(chan struct{})}
	t.waiters[name] = append(t.waiters[name], w)
	t.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.done:
		return w.err
	case <-expired:
		return t.abandon(name, w, ErrWaitTimeout)
	case <-ctx.Done():
		return t.abandon(name, w, ctx.Err())
	}
}

// abandon deregisters w. If w fired in the meantime its outcome wins.
func (t *inboundTracker) abandon(name string, w *waiter, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	queue := t.waiters[name]
	for i, q := range queue {
		if q == w {
			t.setWaiters(name, append(queue[:i:i], queue[i+1:]...))
			return err
		}
	}
	return w.err
}

func (t *inboundTracker) setWaiters(name string, queue []*waiter) {
	if len(queue) == 0 {
		delete(t.waiters, name)
		return
	}
	t.waiters[name] = queue
}

// close fails every pending and future wait with err.
func (t *inboundTracker) close(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return
	}
	t.closed = err
	for name, queue := range t.waiters {
		for _, w := range queue {
			w.err = err
			close(w.done)
		}
		delete(t.waiters, name)
	}
}

// waiting returns how many waits are registered.
func (t *inboundTracker) waiting() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, q := range t.waiters {
		n += len(q)
	}
	return n
}
