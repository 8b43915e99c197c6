package actor

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/durable/internal/observability"
	"github.com/danmuck/durable/internal/storage"
	"github.com/rs/zerolog"
)

// State is the per-instance context handed to a Constructor. Objects keep it
// to reach storage and the concurrency controls.
type State struct {
	id      string
	store   *storage.Storage
	inst    *Instance
	logger  zerolog.Logger
	gate    *tracker
	bg      *tracker
	bgCtx   context.Context
	sockets *socketIndex

	mu   sync.Mutex
	auto *autoResponse
}

func (s *State) ID() string {
	return s.id
}

func (s *State) Storage() *storage.Storage {
	return s.store
}

func (s *State) Logger() zerolog.Logger {
	return s.logger
}

// WaitUntil runs fn in the background. It does not delay the current event's
// reply; Instance.WaitForWaitUntil waits for it, including work fn itself
// registers. Errors and panics are logged.
func (s *State) WaitUntil(fn func(ctx context.Context) error) {
	s.bg.add()
	go func() {
		defer s.bg.done()
		if err := runGuarded("wait_until", func() error { return fn(s.bgCtx) }); err != nil {
			observability.RecordBackgroundFailure()
			s.logger.Error().Err(err).Msg("actor.wait_until failed")
		}
	}()
}

// BlockConcurrencyWhile holds back every event not yet handed to the object
// until fn returns. The gate is armed before this call returns; fn runs on
// its own goroutine. The channel yields fn's result.
//
// fn must not wait on an event for this same instance.
func (s *State) BlockConcurrencyWhile(fn func(ctx context.Context) error) <-chan error {
	s.gate.add()
	out := make(chan error, 1)
	go func() {
		defer s.gate.done()
		err := runGuarded("block_concurrency", func() error { return fn(s.bgCtx) })
		if err != nil {
			s.logger.Error().Err(err).Msg("actor.block_concurrency failed")
		}
		out <- err
	}()
	return out
}

// AcceptWebSocket registers ws under tags. The socket leaves every tag
// bucket when it closes, and the object's WebSocketClose runs through the
// mailbox.
func (s *State) AcceptWebSocket(ws WebSocket, tags ...string) error {
	if ws == nil {
		return ErrNilSocket
	}
	clean, err := validateTags(tags)
	if err != nil {
		return err
	}
	if err := s.sockets.add(ws, clean); err != nil {
		return err
	}
	ws.OnClose(func(code int, reason string) {
		if !s.sockets.remove(ws) {
			return
		}
		s.inst.socketClosed(ws, code, reason)
	})
	s.logger.Debug().Strs("tags", clean).Msg("actor.websocket accepted")
	return nil
}

// GetWebSockets returns the live sockets carrying tag, or all of them when
// no tag is given, in accept order.
func (s *State) GetWebSockets(tag ...string) []WebSocket {
	if len(tag) == 0 {
		return s.sockets.list("")
	}
	return s.sockets.list(tag[0])
}

// GetTags returns the tags ws was accepted with.
func (s *State) GetTags(ws WebSocket) ([]string, error) {
	tags, ok := s.sockets.tags(ws)
	if !ok {
		return nil, ErrSocketNotAccepted
	}
	return tags, nil
}

// SetWebSocketAutoResponse makes the host answer an exact request message
// with response on every accepted socket. Empty request clears it.
func (s *State) SetWebSocketAutoResponse(request, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if request == "" {
		s.auto = nil
		return
	}
	s.auto = &autoResponse{request: request, response: response}
}

func (s *State) WebSocketAutoResponse() (request, response string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auto == nil {
		return "", "", false
	}
	return s.auto.request, s.auto.response, true
}

// WebSocketAutoResponseTimestamp is when ws was last answered automatically,
// zero if never.
func (s *State) WebSocketAutoResponseTimestamp(ws WebSocket) time.Time {
	return s.sockets.lastAuto(ws)
}

func runGuarded(kind string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{Kind: kind, Panic: p}
		}
	}()
	return fn()
}
