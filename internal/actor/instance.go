package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/durable/internal/backoff"
	"github.com/danmuck/durable/internal/logging"
	"github.com/danmuck/durable/internal/observability"
	"github.com/danmuck/durable/internal/storage"
	"github.com/rs/zerolog"
)

// Config tunes one instance.
type Config struct {
	// MailboxSize bounds queued events; enqueue blocks (honouring its
	// context) while the mailbox is full.
	MailboxSize int
	// Backoff spaces alarm retries after a failing Alarm handler.
	Backoff backoff.Config
	// AlarmMaxRetries caps consecutive retries. Negative disables retries.
	AlarmMaxRetries int
	Logger          *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		MailboxSize:     64,
		Backoff:         backoff.DefaultConfig(),
		AlarmMaxRetries: 6,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MailboxSize <= 0 {
		c.MailboxSize = def.MailboxSize
	}
	c.Backoff = c.Backoff.WithDefaults()
	if c.AlarmMaxRetries == 0 {
		c.AlarmMaxRetries = def.AlarmMaxRetries
	}
	if c.AlarmMaxRetries < 0 {
		c.AlarmMaxRetries = 0
	}
	return c
}

type result struct {
	value any
	err   error
}

type event struct {
	kind  string
	ctx   context.Context
	fn    func(ctx context.Context) (any, error)
	reply chan result
}

// Instance is one live durable object: its storage, its object and the
// single consumer goroutine that runs every event.
type Instance struct {
	id      string
	store   *storage.Storage
	state   *State
	object  Object
	methods MethodTable
	cfg     Config
	logger  zerolog.Logger

	mailbox chan *event
	depth   atomic.Int64
	gate    *tracker
	bg      *tracker
	sockets *socketIndex
	alarms  *alarmScheduler

	bgCtx    context.Context
	bgCancel context.CancelFunc

	closing   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New runs ctor for id and starts the instance. New owns store from here:
// it is closed on failure and by Close.
func New(ctx context.Context, id string, store *storage.Storage, ctor Constructor, cfg Config) (*Instance, error) {
	cfg = cfg.WithDefaults()
	logger := logging.Component("actor")
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "actor").Logger()
	}
	logger = logger.With().Str("id", id).Logger()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	in := &Instance{
		id:       id,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		mailbox:  make(chan *event, cfg.MailboxSize),
		gate:     newTracker(),
		bg:       newTracker(),
		sockets:  newSocketIndex(),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
		closing:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	in.state = &State{
		id:      id,
		store:   store,
		inst:    in,
		logger:  logger,
		gate:    in.gate,
		bg:      in.bg,
		bgCtx:   bgCtx,
		sockets: in.sockets,
	}
	in.alarms = newAlarmScheduler(in)

	fail := func(err error) (*Instance, error) {
		bgCancel()
		_ = store.Close()
		return nil, fmt.Errorf("actor: construct %s: %w", id, err)
	}

	var obj Object
	err := runGuarded("constructor", func() error {
		var err error
		obj, err = ctor(in.state)
		return err
	})
	if err != nil {
		return fail(err)
	}
	if obj == nil {
		return fail(errors.New("constructor returned no object"))
	}
	in.object = obj
	if mp, ok := obj.(MethodProvider); ok {
		in.methods = mp.Methods()
	}

	store.OnAlarmChange(in.alarms.onChange)
	at, armed, err := store.GetAlarm(ctx)
	if err != nil {
		return fail(err)
	}
	if armed {
		in.alarms.arm(at)
	}

	go in.loop()
	observability.RecordInstance("constructed")
	logger.Debug().Bool("alarm", armed).Msg("actor.start")
	return in, nil
}

func (in *Instance) ID() string {
	return in.id
}

func (in *Instance) State() *State {
	return in.state
}

func (in *Instance) Object() Object {
	return in.object
}

func (in *Instance) loop() {
	defer close(in.stopped)
	for {
		select {
		case ev := <-in.mailbox:
			in.dispatch(ev)
		case <-in.closing:
			// Events accepted before Close still run.
			for {
				select {
				case ev := <-in.mailbox:
					in.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (in *Instance) dispatch(ev *event) {
	defer in.depth.Add(-1)
	<-in.gate.wait()

	if err := ev.ctx.Err(); err != nil {
		ev.reply <- result{err: err}
		return
	}

	start := time.Now()
	var r result
	r.err = runGuarded(ev.kind, func() error {
		v, err := ev.fn(ev.ctx)
		r.value = v
		return err
	})
	observability.RecordActorEvent(ev.kind, r.err, time.Since(start))
	if r.err != nil {
		in.logger.Debug().Err(r.err).Str("kind", ev.kind).Msg("actor.event failed")
	}
	ev.reply <- r
}

func (in *Instance) enqueue(ctx context.Context, ev *event) error {
	select {
	case <-in.closing:
		return ErrClosed
	default:
	}
	in.depth.Add(1)
	select {
	case in.mailbox <- ev:
		return nil
	case <-ctx.Done():
		in.depth.Add(-1)
		return ctx.Err()
	case <-in.closing:
		in.depth.Add(-1)
		return ErrClosed
	}
}

// Do runs fn as one serialized event of the given kind and returns its
// result. Errors and panics from fn reach only this caller.
func (in *Instance) Do(ctx context.Context, kind string, fn func(ctx context.Context) (any, error)) (any, error) {
	ev := &event{kind: kind, ctx: ctx, fn: fn, reply: make(chan result, 1)}
	if err := in.enqueue(ctx, ev); err != nil {
		return nil, err
	}
	select {
	case r := <-ev.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-in.stopped:
		select {
		case r := <-ev.reply:
			return r.value, r.err
		default:
			return nil, ErrClosed
		}
	}
}

func (in *Instance) Fetch(ctx context.Context, req *Request) (*Response, error) {
	v, err := in.Do(ctx, "fetch", func(ctx context.Context) (any, error) {
		return in.object.Fetch(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp, _ := v.(*Response)
	if resp == nil {
		return nil, fmt.Errorf("actor: %s fetch returned no response", in.id)
	}
	return resp, nil
}

// Call runs a named method from the object's MethodTable.
func (in *Instance) Call(ctx context.Context, method string, args []json.RawMessage) (any, error) {
	fn, ok := in.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoMethod, method)
	}
	return in.Do(ctx, "call", func(ctx context.Context) (any, error) {
		return fn(ctx, args)
	})
}

func (in *Instance) HasMethod(method string) bool {
	_, ok := in.methods[method]
	return ok
}

// DeliverWebSocketMessage routes one frame from an accepted socket. A frame
// matching the auto-response request is answered here without an event.
func (in *Instance) DeliverWebSocketMessage(ctx context.Context, ws WebSocket, data []byte) error {
	if !in.sockets.has(ws) {
		return ErrSocketNotAccepted
	}
	if req, resp, ok := in.state.WebSocketAutoResponse(); ok && string(data) == req {
		in.sockets.markAuto(ws, time.Now())
		return ws.Send(ctx, []byte(resp))
	}
	h, ok := in.object.(WebSocketHandler)
	if !ok {
		return ErrNoWebSocketHandler
	}
	_, err := in.Do(ctx, "websocket.message", func(ctx context.Context) (any, error) {
		return nil, h.WebSocketMessage(ctx, ws, data)
	})
	return err
}

// socketClosed queues WebSocketClose. It may be called from inside a
// handler that closed the socket, so it never waits on the mailbox. GetTags
// keeps answering for ws until the close handler has returned.
func (in *Instance) socketClosed(ws WebSocket, code int, reason string) {
	h, ok := in.object.(WebSocketHandler)
	if !ok {
		in.sockets.forget(ws)
		return
	}
	ev := &event{
		kind:  "websocket.close",
		ctx:   in.bgCtx,
		reply: make(chan result, 1),
		fn: func(ctx context.Context) (any, error) {
			defer in.sockets.forget(ws)
			return nil, h.WebSocketClose(ctx, ws, code, reason)
		},
	}
	go func() {
		if err := in.enqueue(in.bgCtx, ev); err != nil {
			in.sockets.forget(ws)
			in.logger.Debug().Err(err).Msg("actor.websocket close not delivered")
		}
	}()
}

// WaitForWaitUntil returns once no WaitUntil work is outstanding, including
// work registered by other WaitUntil tasks while waiting.
func (in *Instance) WaitForWaitUntil(ctx context.Context) error {
	select {
	case <-in.bg.wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth counts events queued or running.
func (in *Instance) QueueDepth() int {
	return int(in.depth.Load())
}

// Idle reports whether the instance could be closed without cutting off
// work: nothing queued or running, no gate, no background work, no
// accepted sockets and no armed alarm. An evicted instance has no timer, so
// one holding an alarm stays resident until the alarm has run.
func (in *Instance) Idle() bool {
	return in.depth.Load() == 0 &&
		in.gate.count() == 0 &&
		in.bg.count() == 0 &&
		in.sockets.len() == 0 &&
		!in.alarms.pending()
}

// Close stops the alarm timer, runs events already queued, drains
// background work, closes accepted sockets and then storage. A pending alarm
// stays persisted and fires after the identity is next constructed. When ctx
// ends before the mailbox drains, storage closes once the last queued event
// has run.
func (in *Instance) Close(ctx context.Context) error {
	in.closeOnce.Do(func() {
		in.alarms.stop()
		in.store.OnAlarmChange(nil)
		close(in.closing)

		var errs []error
		drained := true
		select {
		case <-in.stopped:
		case <-ctx.Done():
			drained = false
			errs = append(errs, fmt.Errorf("actor: %s close: mailbox not drained: %w", in.id, ctx.Err()))
		}
		if err := in.WaitForWaitUntil(ctx); err != nil {
			errs = append(errs, fmt.Errorf("actor: %s close: background work not drained: %w", in.id, err))
		}
		in.bgCancel()
		for _, ws := range in.sockets.list("") {
			_ = ws.Close(1001, "object closed")
		}
		if drained {
			if err := in.store.Close(); err != nil {
				errs = append(errs, err)
			}
		} else {
			go func() {
				<-in.stopped
				if err := in.store.Close(); err != nil {
					in.logger.Warn().Err(err).Msg("actor.close storage")
				}
			}()
		}
		observability.RecordInstance("closed")
		in.logger.Debug().Msg("actor.close")
		in.closeErr = errors.Join(errs...)
	})
	return in.closeErr
}
