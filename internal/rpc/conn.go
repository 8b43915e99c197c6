package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/durable/internal/backoff"
	"github.com/danmuck/durable/internal/logging"
	"github.com/danmuck/durable/internal/protocol/frame"
)

// Connection is a bidirectional message channel. Send and Receive may be
// used from different goroutines; concurrent Sends are serialized.
type Connection interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

const pipeBuffer = 16

type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns the two ends of an in-process connection. Closing either end
// closes both.
func Pipe() (Connection, Connection) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, done: done, once: once},
		&pipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *pipeEnd) Send(ctx context.Context, msg []byte) error {
	buf := make([]byte, len(msg))
	copy(buf, msg)
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// StreamConn frames messages over a net.Conn. One goroutine owns reads so
// Receive can honour its context without tearing a frame.
type StreamConn struct {
	conn   net.Conn
	limits frame.Limits

	writeMu sync.Mutex
	frames  chan []byte
	done    chan struct{}
	readErr error

	closeOnce sync.Once
	closeErr  error
}

func NewStreamConn(conn net.Conn, limits frame.Limits) *StreamConn {
	c := &StreamConn{
		conn:   conn,
		limits: limits,
		frames: make(chan []byte, pipeBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *StreamConn) readLoop() {
	defer close(c.done)
	for {
		msg, err := frame.ReadFrame(c.conn, c.limits)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.readErr = ErrClosed
			} else {
				c.readErr = fmt.Errorf("%w: %w", ErrTransport, err)
			}
			return
		}
		c.frames <- msg
	}
}

func (c *StreamConn) Send(ctx context.Context, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := frame.WriteFrame(c.conn, msg, c.limits); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (c *StreamConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.frames:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// Frames read before the stream ended are still delivered.
		select {
		case msg := <-c.frames:
			return msg, nil
		default:
		}
		return nil, c.readErr
	}
}

func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		go func() {
			// Unblock the reader if it is parked on a full channel.
			for {
				select {
				case <-c.frames:
				case <-c.done:
					return
				}
			}
		}()
	})
	return c.closeErr
}

func (c *StreamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Dial connects to addr, retrying with cfg.Backoff up to
// cfg.MaxConnectAttempts times.
func Dial(ctx context.Context, addr string, cfg Config) (*StreamConn, error) {
	cfg = cfg.WithDefaults()
	tlsCfg, err := cfg.TLS.ClientTLS()
	if err != nil {
		return nil, err
	}
	logger := logging.Component("rpc")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxConnectAttempts; attempt++ {
		conn, err := dialOnce(ctx, addr, cfg.DialTimeout, tlsCfg)
		if err == nil {
			logger.Debug().Str("addr", addr).Int("attempt", attempt).Msg("rpc.dial")
			return NewStreamConn(conn, cfg.Limits), nil
		}
		lastErr = err
		if attempt == cfg.MaxConnectAttempts {
			break
		}
		delay := backoff.Next(cfg.Backoff, attempt, rng)
		logger.Warn().Err(err).Str("addr", addr).Int("attempt", attempt).Dur("retry_in", delay).Msg("rpc.dial failed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, addr, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, addr, lastErr)
}

func dialOnce(ctx context.Context, addr string, timeout time.Duration, tlsCfg *tls.Config) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	if tlsCfg == nil {
		return d.DialContext(ctx, "tcp", addr)
	}
	td := &tls.Dialer{NetDialer: d, Config: tlsCfg}
	return td.DialContext(ctx, "tcp", addr)
}
