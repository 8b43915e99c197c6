package actor

import "sync"

// tracker counts outstanding work. Unlike sync.WaitGroup it allows add while
// a waiter is parked, so work started from inside tracked work keeps the
// count above zero until the whole tree settles.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newTracker() *tracker {
	t := &tracker{idle: make(chan struct{})}
	close(t.idle)
	return t
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n < 0 {
		panic("actor: tracker done without add")
	}
	if t.n == 0 {
		close(t.idle)
	}
}

// wait returns a channel closed the next time the count is zero.
func (t *tracker) wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}
