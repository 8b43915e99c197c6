package actor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/durable/internal/backoff"
	"github.com/danmuck/durable/internal/observability"
)

// alarmScheduler keeps one timer in step with the persisted alarm. The
// timer only enqueues; the alarm event re-reads storage, so a stale timer is
// harmless.
type alarmScheduler struct {
	in *Instance

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	// Owned by the consumer goroutine.
	retries int
	rng     *rand.Rand
}

func newAlarmScheduler(in *Instance) *alarmScheduler {
	return &alarmScheduler{
		in:  in,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *alarmScheduler) onChange(at time.Time, armed bool) {
	if armed {
		a.arm(at)
		return
	}
	a.disarm()
}

func (a *alarmScheduler) arm(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	a.timer = time.AfterFunc(delay, a.fire)
}

func (a *alarmScheduler) disarm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *alarmScheduler) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// pending reports whether a timer is armed or has fired without its alarm
// event having cleared it yet.
func (a *alarmScheduler) pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

func (a *alarmScheduler) fire() {
	in := a.in
	ev := &event{kind: "alarm", ctx: in.bgCtx, fn: a.run, reply: make(chan result, 1)}
	if err := in.enqueue(in.bgCtx, ev); err != nil {
		in.logger.Debug().Err(err).Msg("actor.alarm not enqueued")
	}
}

// run is the alarm event: delete the persisted alarm, then call the handler.
func (a *alarmScheduler) run(ctx context.Context) (any, error) {
	in := a.in
	at, armed, err := in.store.GetAlarm(ctx)
	if err != nil {
		return nil, err
	}
	if !armed {
		return nil, nil
	}
	if time.Until(at) > 0 {
		a.arm(at)
		return nil, nil
	}
	if err := in.store.DeleteAlarm(ctx); err != nil {
		return nil, err
	}

	h, ok := in.object.(Alarmer)
	if !ok {
		in.logger.Warn().Msg("actor.alarm fired without handler")
		return nil, ErrNoAlarmHandler
	}
	err = runGuarded("alarm", func() error { return h.Alarm(ctx) })
	observability.RecordAlarm(err)
	if err == nil {
		a.retries = 0
		return nil, nil
	}
	a.retry(ctx, err)
	return nil, err
}

// retry re-arms after a failed handler unless the handler set its own alarm.
func (a *alarmScheduler) retry(ctx context.Context, cause error) {
	in := a.in
	_, pending, err := in.store.GetAlarm(ctx)
	if err != nil {
		in.logger.Error().Err(err).Msg("actor.alarm retry lookup failed")
		return
	}
	if pending {
		a.retries = 0
		return
	}
	if a.retries >= in.cfg.AlarmMaxRetries {
		in.logger.Error().Err(cause).Int("retries", a.retries).Msg("actor.alarm giving up")
		a.retries = 0
		return
	}
	a.retries++
	delay := backoff.Next(in.cfg.Backoff, a.retries, a.rng)
	if err := in.store.SetAlarm(ctx, time.Now().Add(delay)); err != nil {
		in.logger.Error().Err(err).Msg("actor.alarm retry not armed")
		return
	}
	in.logger.Warn().Err(cause).Int("attempt", a.retries).Dur("retry_in", delay).Msg("actor.alarm retry")
}
