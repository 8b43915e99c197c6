package actor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/durable/internal/backoff"
	"github.com/danmuck/durable/internal/testutil/testlog"
)

type alarmed struct {
	state *State

	mu       sync.Mutex
	fired    int
	failures int
	rearm    time.Duration
	fireCh   chan struct{}
}

func (a *alarmed) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return Text(http.StatusOK, "ok"), nil
}

func (a *alarmed) Alarm(ctx context.Context) error {
	a.mu.Lock()
	a.fired++
	fail := a.failures > 0
	if fail {
		a.failures--
	}
	rearm := a.rearm
	a.rearm = 0
	a.mu.Unlock()

	defer func() { a.fireCh <- struct{}{} }()
	if _, armed, _ := a.state.Storage().GetAlarm(ctx); armed {
		return errors.New("alarm still persisted inside handler")
	}
	if rearm > 0 {
		if err := a.state.Storage().SetAlarm(ctx, time.Now().Add(rearm)); err != nil {
			return err
		}
	}
	if fail {
		return errors.New("alarm handler failed")
	}
	return nil
}

func (a *alarmed) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fired
}

func waitFire(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("alarm did not fire")
	}
}

func TestAlarmFiresOnceAndCanRearm(t *testing.T) {
	testlog.Start(t)

	a := &alarmed{fireCh: make(chan struct{}, 4), rearm: 20 * time.Millisecond}
	in := startInstance(t, func(state *State) (Object, error) {
		a.state = state
		return a, nil
	}, Config{})
	ctx := context.Background()

	if err := in.State().Storage().SetAlarm(ctx, time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("set alarm: %v", err)
	}
	waitFire(t, a.fireCh)
	waitFire(t, a.fireCh)
	time.Sleep(50 * time.Millisecond)
	if got := a.count(); got != 2 {
		t.Fatalf("expected 2 firings, got %d", got)
	}
	if _, armed, _ := in.State().Storage().GetAlarm(ctx); armed {
		t.Fatalf("alarm still armed after firing")
	}
}

func TestDeletedAlarmDoesNotFire(t *testing.T) {
	testlog.Start(t)

	a := &alarmed{fireCh: make(chan struct{}, 1)}
	in := startInstance(t, func(state *State) (Object, error) {
		a.state = state
		return a, nil
	}, Config{})
	ctx := context.Background()

	store := in.State().Storage()
	if err := store.SetAlarm(ctx, time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatalf("set alarm: %v", err)
	}
	if err := store.DeleteAlarm(ctx); err != nil {
		t.Fatalf("delete alarm: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if got := a.count(); got != 0 {
		t.Fatalf("deleted alarm fired %d times", got)
	}
}

func TestFailedAlarmIsRetried(t *testing.T) {
	testlog.Start(t)

	a := &alarmed{fireCh: make(chan struct{}, 4), failures: 1}
	cfg := Config{Backoff: backoff.Config{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}}
	in := startInstance(t, func(state *State) (Object, error) {
		a.state = state
		return a, nil
	}, cfg)

	if err := in.State().Storage().SetAlarm(context.Background(), time.Now()); err != nil {
		t.Fatalf("set alarm: %v", err)
	}
	waitFire(t, a.fireCh)
	waitFire(t, a.fireCh)
	if got := a.count(); got != 2 {
		t.Fatalf("expected a failed run and a retry, got %d", got)
	}
}

func TestAlarmFiresAfterRestart(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	ctx := context.Background()

	first := &alarmed{fireCh: make(chan struct{}, 1)}
	in, err := New(ctx, "sleeper", openStore(t, "sleeper", dir), func(state *State) (Object, error) {
		first.state = state
		return first, nil
	}, Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := in.State().Storage().SetAlarm(ctx, time.Now().Add(150*time.Millisecond)); err != nil {
		t.Fatalf("set alarm: %v", err)
	}
	if err := in.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := &alarmed{fireCh: make(chan struct{}, 1)}
	in, err = New(ctx, "sleeper", openStore(t, "sleeper", dir), func(state *State) (Object, error) {
		second.state = state
		return second, nil
	}, Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer in.Close(ctx)

	waitFire(t, second.fireCh)
	if first.count() != 0 || second.count() != 1 {
		t.Fatalf("expected one firing after restart, got first=%d second=%d", first.count(), second.count())
	}
}
