package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var errSocketClosed = errors.New("host: websocket closed")

// socket adapts a gorilla connection to actor.WebSocket. It exists before
// the upgrade completes so the object can accept it while handling the
// request; frames sent before attach are queued.
type socket struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	pending   [][]byte
	closed    bool
	code      int
	reason    string
	listeners []func(code int, reason string)
}

func newSocket() *socket {
	return &socket{}
}

func (s *socket) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSocketClosed
	}
	if s.conn == nil {
		s.pending = append(s.pending, append([]byte(nil), data...))
		return nil
	}
	return s.writeLocked(ctx, data)
}

func (s *socket) writeLocked(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// attach binds the upgraded connection and flushes queued frames. A socket
// the object already closed is closed on the wire too.
func (s *socket) attach(conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	if s.closed {
		s.closeWireLocked(s.code, s.reason)
		return errSocketClosed
	}
	pending := s.pending
	s.pending = nil
	for _, data := range pending {
		if err := s.writeLocked(context.Background(), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *socket) closeWireLocked(code int, reason string) {
	if s.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = s.conn.Close()
}

// Close sends a close frame when connected and runs the close listeners.
func (s *socket) Close(code int, reason string) error {
	s.finish(code, reason, true)
	return nil
}

// peerClosed records a close initiated by the client or a read failure.
func (s *socket) peerClosed(code int, reason string) {
	s.finish(code, reason, false)
}

func (s *socket) finish(code int, reason string, sendFrame bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.code, s.reason = code, reason
	s.pending = nil
	if sendFrame {
		s.closeWireLocked(code, reason)
	} else if s.conn != nil {
		_ = s.conn.Close()
	}
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(code, reason)
	}
}

// OnClose runs fn once the socket closes, immediately when it already has.
func (s *socket) OnClose(fn func(code int, reason string)) {
	s.mu.Lock()
	if !s.closed {
		s.listeners = append(s.listeners, fn)
		s.mu.Unlock()
		return
	}
	code, reason := s.code, s.reason
	s.mu.Unlock()
	fn(code, reason)
}
