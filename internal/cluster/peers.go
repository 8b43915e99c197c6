package cluster

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/danmuck/durable/internal/rpc"
	"golang.org/x/sync/singleflight"
)

// Dialer opens a connection to a peer's rpc address.
type Dialer func(ctx context.Context, addr string) (rpc.Connection, error)

// peerPool keeps one rpc client per remote host, dialed on first use and
// dropped after a transport failure so the next call redials.
type peerPool struct {
	addrs []string
	dial  Dialer
	cfg   rpc.Config
	group singleflight.Group

	mu      sync.Mutex
	clients map[int]*rpc.Client
	closed  bool
}

func newPeerPool(addrs []string, dial Dialer, cfg rpc.Config) *peerPool {
	return &peerPool{
		addrs:   addrs,
		dial:    dial,
		cfg:     cfg,
		clients: make(map[int]*rpc.Client),
	}
}

func (p *peerPool) cached(host int) (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if c, ok := p.clients[host]; ok && c.Err() == nil {
		return c, nil
	}
	return nil, nil
}

func (p *peerPool) client(ctx context.Context, host int) (*rpc.Client, error) {
	if c, err := p.cached(host); c != nil || err != nil {
		return c, err
	}
	if host < 0 || host >= len(p.addrs) {
		return nil, fmt.Errorf("cluster: no peer address for host %d", host)
	}
	v, err, _ := p.group.Do(strconv.Itoa(host), func() (any, error) {
		if c, err := p.cached(host); c != nil || err != nil {
			return c, err
		}
		conn, err := p.dial(context.WithoutCancel(ctx), p.addrs[host])
		if err != nil {
			return nil, err
		}
		c := rpc.NewClient(conn, p.cfg)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			_ = c.Close()
			return nil, ErrClosed
		}
		if old, ok := p.clients[host]; ok {
			_ = old.Close()
		}
		p.clients[host] = c
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rpc.Client), nil
}

// drop forgets c if it is still the client for host.
func (p *peerPool) drop(host int, c *rpc.Client) {
	p.mu.Lock()
	if cur, ok := p.clients[host]; ok && cur == c {
		delete(p.clients, host)
	}
	p.mu.Unlock()
	_ = c.Close()
}

func (p *peerPool) close() error {
	p.mu.Lock()
	p.closed = true
	clients := p.clients
	p.clients = make(map[int]*rpc.Client)
	p.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil && !errors.Is(err, rpc.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
