package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Listener accepts stream connections and serves each with a Server.
type Listener struct {
	ln     net.Listener
	server *Server
	cfg    Config

	mu    sync.Mutex
	conns map[*StreamConn]struct{}
	wg    sync.WaitGroup
}

// Listen binds addr, wrapping it in TLS when cfg.TLS is enabled.
func Listen(addr string, cfg Config, h Handler) (*Listener, error) {
	cfg = cfg.WithDefaults()
	tlsCfg, err := cfg.TLS.ServerTLS()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen %s: %w", addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return NewListener(ln, cfg, h), nil
}

// NewListener serves calls accepted from ln.
func NewListener(ln net.Listener, cfg Config, h Handler) *Listener {
	cfg = cfg.WithDefaults()
	return &Listener{
		ln:     ln,
		server: &Server{Handler: h, AuthToken: cfg.AuthToken},
		cfg:    cfg,
		conns:  make(map[*StreamConn]struct{}),
	}
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts until ctx ends or the listener is closed, then closes every
// open connection and waits for their in-flight calls.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	defer l.closeConns()

	for {
		raw, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		conn := NewStreamConn(raw, l.cfg.Limits)
		l.track(conn, true)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.track(conn, false)
			defer conn.Close()
			if err := l.server.Serve(ctx, conn); err != nil {
				logger := l.server.logger()
				logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("rpc.listener conn ended")
			}
		}()
	}
}

func (l *Listener) track(c *StreamConn, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.conns[c] = struct{}{}
	} else {
		delete(l.conns, c)
	}
}

func (l *Listener) closeConns() {
	l.mu.Lock()
	for c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
