package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/durable/internal/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client issues calls over one Connection and routes replies back to their
// callers by UniqueID. Once the connection fails every pending and future
// call fails with an error wrapping ErrTransport.
type Client struct {
	conn   Connection
	auth   []byte
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan Envelope
	err     error
	done    chan struct{}
}

// NewClient starts the receive loop on conn. The Client owns conn from here.
func NewClient(conn Connection, cfg Config) *Client {
	c := &Client{
		conn:    conn,
		logger:  logging.Component("rpc"),
		pending: make(map[string]chan Envelope),
		done:    make(chan struct{}),
	}
	if cfg.AuthToken != "" {
		c.auth = []byte(cfg.AuthToken)
	}
	go c.recvLoop()
	return c
}

func (c *Client) recvLoop() {
	for {
		b, err := c.conn.Receive(context.Background())
		if err != nil {
			if !errors.Is(err, ErrTransport) {
				err = fmt.Errorf("%w: %w", ErrTransport, err)
			}
			c.fail(err)
			return
		}
		env, err := DecodeEnvelope(b)
		if err != nil {
			c.logger.Warn().Err(err).Msg("rpc.client dropped undecodable reply")
			continue
		}
		if env.Kind == KindCall {
			c.logger.Warn().Str("method", env.MethodName).Msg("rpc.client dropped unexpected call")
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.UniqueID]
		delete(c.pending, env.UniqueID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("unique_id", env.UniqueID).Msg("rpc.client reply for unknown call")
			continue
		}
		ch <- env
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	c.pending = nil
	close(c.done)
}

// Err is non-nil once the client can no longer make calls.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Do sends a call and waits for its reply. UniqueID, Kind, Timestamp and
// Auth are filled in; the reply may be KindResult or KindError.
func (c *Client) Do(ctx context.Context, env Envelope) (Envelope, error) {
	env.Kind = KindCall
	env.UniqueID = uuid.NewString()
	env.Timestamp = Timestamp()
	env.Auth = c.auth

	b, err := EncodeEnvelope(env)
	if err != nil {
		return Envelope{}, err
	}

	ch := make(chan Envelope, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Envelope{}, err
	}
	c.pending[env.UniqueID] = ch
	c.mu.Unlock()

	if err := c.conn.Send(ctx, b); err != nil {
		c.forget(env.UniqueID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Envelope{}, ctxErr
		}
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return Envelope{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		c.forget(env.UniqueID)
		return Envelope{}, ctx.Err()
	case <-c.done:
		return Envelope{}, c.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Stub returns a stub addressing identity through this client.
func (c *Client) Stub(identity string) *Stub {
	return &Stub{identity: identity, client: c}
}

func (c *Client) Close() error {
	err := c.conn.Close()
	c.fail(fmt.Errorf("%w: %w", ErrTransport, ErrClosed))
	return err
}
