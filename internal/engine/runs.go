package engine

import (
	"context"
	"sync"
)

// runTracker counts broadcasts in flight so shutdown can wait for them.
type runTracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *runTracker) begin() (end func()) {
	t.mu.Lock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.n--
			if t.n == 0 {
				close(t.idle)
			}
			t.mu.Unlock()
		})
	}
}

func (t *runTracker) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *runTracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
