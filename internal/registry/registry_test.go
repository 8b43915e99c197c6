package registry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/durable/internal/actor"
	"github.com/danmuck/durable/internal/storage"
	"github.com/danmuck/durable/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echo struct{ id string }

func (e *echo) Fetch(context.Context, *actor.Request) (*actor.Response, error) {
	return actor.Text(http.StatusOK, e.id), nil
}

func factory(constructs *atomic.Int32, delay time.Duration) Factory {
	return func(ctx context.Context, id string) (*actor.Instance, error) {
		constructs.Add(1)
		time.Sleep(delay)
		store, err := storage.Open(ctx, id, storage.Options{})
		if err != nil {
			return nil, err
		}
		return actor.New(ctx, id, store, func(state *actor.State) (actor.Object, error) {
			return &echo{id: state.ID()}, nil
		}, actor.Config{})
	}
}

func TestConcurrentGetReturnsIdenticalInstance(t *testing.T) {
	testlog.Start(t)

	reg := New(Config{})
	defer reg.Close(context.Background())

	var constructs atomic.Int32
	f := factory(&constructs, 30*time.Millisecond)

	const callers = 32
	got := make([]*actor.Instance, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := reg.Get(context.Background(), "same", f)
			assert.NoError(t, err)
			got[i] = inst
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), constructs.Load())
	for _, inst := range got {
		require.Same(t, got[0], inst)
	}
	require.Equal(t, 1, reg.Len())
}

func TestDistinctIdentitiesDoNotBlockEachOther(t *testing.T) {
	testlog.Start(t)

	reg := New(Config{})
	defer reg.Close(context.Background())
	var constructs atomic.Int32

	slowStarted := make(chan struct{})
	release := make(chan struct{})
	slow := func(ctx context.Context, id string) (*actor.Instance, error) {
		close(slowStarted)
		<-release
		return factory(&constructs, 0)(ctx, id)
	}
	done := make(chan error, 1)
	go func() {
		_, err := reg.Get(context.Background(), "slow", slow)
		done <- err
	}()
	<-slowStarted

	inst, err := reg.Get(context.Background(), "fast", factory(&constructs, 0))
	require.NoError(t, err)
	resp, err := inst.Fetch(context.Background(), actor.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	require.Equal(t, "fast", resp.Text())

	close(release)
	require.NoError(t, <-done)
}

func TestFailedConstructionReachesAllWaitersAndRetries(t *testing.T) {
	testlog.Start(t)

	reg := New(Config{})
	defer reg.Close(context.Background())

	boom := errors.New("boom")
	var attempts atomic.Int32
	failing := func(ctx context.Context, id string) (*actor.Instance, error) {
		attempts.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil, boom
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Get(context.Background(), "flaky", failing)
			assert.ErrorIs(t, err, boom)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), attempts.Load())
	require.Equal(t, 0, reg.Len())

	var constructs atomic.Int32
	inst, err := reg.Get(context.Background(), "flaky", factory(&constructs, 0))
	require.NoError(t, err)
	require.NotNil(t, inst)
	require.Equal(t, int32(1), constructs.Load())
}

func TestCallerCancellationDoesNotAbortConstruction(t *testing.T) {
	testlog.Start(t)

	reg := New(Config{})
	defer reg.Close(context.Background())
	var constructs atomic.Int32

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := reg.Get(ctx, "patient", factory(&constructs, 40*time.Millisecond))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("patient")
		return ok
	}, time.Second, 5*time.Millisecond)
	_, err = reg.Get(context.Background(), "patient", factory(&constructs, 0))
	require.NoError(t, err)
	require.Equal(t, int32(1), constructs.Load())
}

func TestBoundedRegistryEvictsIdleLeastRecentlyUsed(t *testing.T) {
	testlog.Start(t)

	reg := New(Config{MaxInstances: 2})
	defer reg.Close(context.Background())
	var constructs atomic.Int32
	f := factory(&constructs, 0)
	ctx := context.Background()

	a, err := reg.Get(ctx, "a", f)
	require.NoError(t, err)
	_, err = reg.Get(ctx, "b", f)
	require.NoError(t, err)
	_, err = reg.Get(ctx, "a", f) // a is now most recently used
	require.NoError(t, err)
	_, err = reg.Get(ctx, "c", f)
	require.NoError(t, err)

	require.Equal(t, 2, reg.Len())
	require.Equal(t, []string{"c", "a"}, reg.IDs())
	_, ok := reg.Lookup("b")
	require.False(t, ok)

	again, err := reg.Get(ctx, "a", f)
	require.NoError(t, err)
	require.Same(t, a, again)
}

func TestBoundedRegistryPinsBusyInstances(t *testing.T) {
	testlog.Start(t)

	reg := New(Config{MaxInstances: 1})
	defer reg.Close(context.Background())
	var constructs atomic.Int32
	f := factory(&constructs, 0)
	ctx := context.Background()

	busy, err := reg.Get(ctx, "busy", f)
	require.NoError(t, err)
	release := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_, _ = busy.Do(ctx, "hold", func(context.Context) (any, error) {
			close(running)
			<-release
			return nil, nil
		})
	}()
	<-running

	_, err = reg.Get(ctx, "other", f)
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())
	_, ok := reg.Lookup("busy")
	require.True(t, ok)
	close(release)
}

func TestCloseRejectsFurtherLookups(t *testing.T) {
	testlog.Start(t)

	reg := New(Config{})
	var constructs atomic.Int32
	inst, err := reg.Get(context.Background(), "x", factory(&constructs, 0))
	require.NoError(t, err)

	require.NoError(t, reg.Close(context.Background()))
	_, err = inst.Fetch(context.Background(), actor.NewRequest("GET", "/", nil))
	require.ErrorIs(t, err, actor.ErrClosed)
	_, err = reg.Get(context.Background(), "x", factory(&constructs, 0))
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, reg.Close(context.Background()))
}

func TestRemoveClosesInstance(t *testing.T) {
	testlog.Start(t)

	reg := New(Config{})
	defer reg.Close(context.Background())
	var constructs atomic.Int32
	f := factory(&constructs, 0)
	first, err := reg.Get(context.Background(), "x", f)
	require.NoError(t, err)
	require.NoError(t, reg.Remove(context.Background(), "x"))
	second, err := reg.Get(context.Background(), "x", f)
	require.NoError(t, err)
	require.NotSame(t, first, second)
}

type sleeper struct {
	state *actor.State
	fired *atomic.Int32
}

func (s *sleeper) Fetch(ctx context.Context, req *actor.Request) (*actor.Response, error) {
	if err := s.state.Storage().SetAlarm(ctx, time.Now().Add(100*time.Millisecond)); err != nil {
		return nil, err
	}
	return actor.Text(http.StatusOK, "armed"), nil
}

func (s *sleeper) Alarm(context.Context) error {
	s.fired.Add(1)
	return nil
}

func TestBoundedRegistryPinsInstancesWithPendingAlarm(t *testing.T) {
	testlog.Start(t)

	reg := New(Config{MaxInstances: 1})
	defer reg.Close(context.Background())
	ctx := context.Background()

	var fired atomic.Int32
	alarming := func(ctx context.Context, id string) (*actor.Instance, error) {
		store, err := storage.Open(ctx, id, storage.Options{})
		if err != nil {
			return nil, err
		}
		return actor.New(ctx, id, store, func(state *actor.State) (actor.Object, error) {
			return &sleeper{state: state, fired: &fired}, nil
		}, actor.Config{})
	}

	x, err := reg.Get(ctx, "x", alarming)
	require.NoError(t, err)
	_, err = x.Fetch(ctx, actor.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	require.False(t, x.Idle())

	var constructs atomic.Int32
	_, err = reg.Get(ctx, "y", factory(&constructs, 0))
	require.NoError(t, err)
	again, ok := reg.Lookup("x")
	require.True(t, ok)
	require.Same(t, x, again)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, x.Idle, time.Second, 5*time.Millisecond)

	_, err = reg.Get(ctx, "z", factory(&constructs, 0))
	require.NoError(t, err)
	_, ok = reg.Lookup("x")
	require.False(t, ok)
	require.Equal(t, int32(1), fired.Load())
}
