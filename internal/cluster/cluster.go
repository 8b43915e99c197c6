package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"sync"

	"github.com/danmuck/durable/internal/actor"
	"github.com/danmuck/durable/internal/backoff"
	"github.com/danmuck/durable/internal/logging"
	"github.com/danmuck/durable/internal/registry"
	"github.com/danmuck/durable/internal/rpc"
	"github.com/danmuck/durable/internal/storage"
	"github.com/rs/zerolog"
)

var (
	ErrClosed         = errors.New("cluster: closed")
	ErrUnknownBinding = errors.New("cluster: unknown binding")
	ErrNotLocal       = errors.New("cluster: object is owned by another host")
	ErrBadTarget      = errors.New("cluster: bad rpc target")
)

// Class constructs the object for one identity of a binding. env gives it
// access to every binding, including its own.
type Class func(state *actor.State, env *Env) (actor.Object, error)

// Worker maps binding names to classes.
type Worker map[string]Class

// Options configures Serve.
type Options struct {
	// StorageDir roots one directory per binding holding one database file
	// per identity. Empty keeps every store in memory.
	StorageDir string
	// HostCount is the number of hosts sharing the identity space. Zero or
	// one keeps every identity local.
	HostCount int
	// HostIndex is this host's shard.
	HostIndex int
	// Peers lists every host's rpc address by shard index. The entry for
	// HostIndex is not dialed.
	Peers []string

	MaxInstances    int
	MailboxSize     int
	AlarmMaxRetries int
	AlarmBackoff    backoff.Config
	Converters      []storage.TypeConverter

	// Dialer overrides rpc.Dial for reaching peers.
	Dialer Dialer
	RPC    rpc.Config
	Logger *zerolog.Logger
}

func (o Options) validate(worker Worker) error {
	if len(worker) == 0 {
		return errors.New("cluster: worker has no bindings")
	}
	for name, class := range worker {
		if !storage.ValidIdentity(name) {
			return fmt.Errorf("cluster: invalid binding name %q", name)
		}
		if class == nil {
			return fmt.Errorf("cluster: binding %q has no class", name)
		}
	}
	if o.HostCount < 0 {
		return fmt.Errorf("cluster: negative host count %d", o.HostCount)
	}
	if o.HostCount > 1 {
		if o.HostIndex < 0 || o.HostIndex >= o.HostCount {
			return fmt.Errorf("cluster: host index %d outside [0,%d)", o.HostIndex, o.HostCount)
		}
		if len(o.Peers) != o.HostCount {
			return fmt.Errorf("cluster: %d peers for %d hosts", len(o.Peers), o.HostCount)
		}
	}
	return nil
}

// Cluster is the coordinator handle returned by Serve.
type Cluster struct {
	opts     Options
	env      *Env
	registry *registry.Registry
	peers    *peerPool
	actorCfg actor.Config
	logger   zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Serve builds the binding layer for worker. It does not listen; pass the
// cluster to ServeRPC for peer traffic and to the host package for HTTP.
func Serve(worker Worker, opts Options) (*Cluster, error) {
	if err := opts.validate(worker); err != nil {
		return nil, err
	}
	opts.RPC = opts.RPC.WithDefaults()

	logger := logging.Component("cluster")
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "cluster").Logger()
	}

	c := &Cluster{
		opts:     opts,
		registry: registry.New(registry.Config{MaxInstances: opts.MaxInstances, Logger: opts.Logger}),
		actorCfg: actor.Config{
			MailboxSize:     opts.MailboxSize,
			Backoff:         opts.AlarmBackoff,
			AlarmMaxRetries: opts.AlarmMaxRetries,
			Logger:          opts.Logger,
		},
		logger: logger.With().Int("host", opts.HostIndex).Logger(),
	}

	dial := opts.Dialer
	if dial == nil {
		rpcCfg := opts.RPC
		dial = func(ctx context.Context, addr string) (rpc.Connection, error) {
			conn, err := rpc.Dial(ctx, addr, rpcCfg)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	c.peers = newPeerPool(opts.Peers, dial, opts.RPC)

	c.env = &Env{cluster: c, namespaces: make(map[string]*Namespace, len(worker))}
	for name, class := range worker {
		c.env.namespaces[name] = &Namespace{name: name, class: class, cluster: c}
	}
	c.logger.Info().
		Strs("bindings", c.env.Names()).
		Int("host_count", opts.HostCount).
		Str("storage_dir", opts.StorageDir).
		Msg("cluster.serve")
	return c, nil
}

func (c *Cluster) Env() *Env {
	return c.env
}

// Instances counts live local instances.
func (c *Cluster) Instances() int {
	return c.registry.Len()
}

// owns reports whether id is served by this host.
func (c *Cluster) owns(id ID) bool {
	if c.opts.HostCount <= 1 {
		return true
	}
	return ShardFor(id, c.opts.HostCount) == c.opts.HostIndex
}

func (c *Cluster) storageDir(binding string) string {
	if c.opts.StorageDir == "" {
		return ""
	}
	return filepath.Join(c.opts.StorageDir, binding)
}

// instance returns the local instance for id, constructing it on first use.
func (c *Cluster) instance(ctx context.Context, ns *Namespace, id ID) (*actor.Instance, error) {
	key := ns.name + "/" + string(id)
	return c.registry.Get(ctx, key, func(ctx context.Context, _ string) (*actor.Instance, error) {
		store, err := storage.Open(ctx, string(id), storage.Options{
			Dir:        c.storageDir(ns.name),
			Converters: c.opts.Converters,
			Logger:     c.opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return actor.New(ctx, string(id), store, func(state *actor.State) (actor.Object, error) {
			return ns.class(state, c.env)
		}, c.actorCfg)
	})
}

// ServeRPC answers peer calls accepted on ln until ctx ends.
func (c *Cluster) ServeRPC(ctx context.Context, ln net.Listener) error {
	return rpc.NewListener(ln, c.opts.RPC, c.HandleEnvelope).Serve(ctx)
}

// ListenRPC binds addr for peer traffic, with TLS when configured.
func (c *Cluster) ListenRPC(addr string) (*rpc.Listener, error) {
	return rpc.Listen(addr, c.opts.RPC, c.HandleEnvelope)
}

// Close closes every local instance and peer connection.
func (c *Cluster) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		regErr := c.registry.Close(ctx)
		peerErr := c.peers.close()
		c.closeErr = errors.Join(regErr, peerErr)
		c.logger.Info().Err(c.closeErr).Msg("cluster.close")
	})
	return c.closeErr
}

// Env is the binding surface handed to classes and to the host.
type Env struct {
	cluster    *Cluster
	namespaces map[string]*Namespace
}

func (e *Env) Binding(name string) (*Namespace, error) {
	ns, ok := e.namespaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBinding, name)
	}
	return ns, nil
}

// Names lists bindings in sorted order.
func (e *Env) Names() []string {
	out := make([]string, 0, len(e.namespaces))
	for name := range e.namespaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Namespace is one binding: an identity space served by one class.
type Namespace struct {
	name    string
	class   Class
	cluster *Cluster
}

func (n *Namespace) Name() string {
	return n.name
}

func (n *Namespace) IDFromName(name string) ID {
	return IDFromName(n.name, name)
}

func (n *Namespace) IDFromString(s string) (ID, error) {
	return IDFromString(s)
}

func (n *Namespace) NewUniqueID() ID {
	return NewUniqueID(n.name)
}

// Get returns a handle for id. It never blocks; the object is constructed or
// the peer dialed on first use.
func (n *Namespace) Get(id ID) Handle {
	c := n.cluster
	if c.owns(id) {
		return &localHandle{ns: n, id: id}
	}
	return &remoteHandle{ns: n, id: id, host: ShardFor(id, c.opts.HostCount)}
}

// Instance returns the live local instance for id. It fails with
// ErrNotLocal when another host owns id.
func (n *Namespace) Instance(ctx context.Context, id ID) (*actor.Instance, error) {
	if !n.cluster.owns(id) {
		return nil, ErrNotLocal
	}
	return n.cluster.instance(ctx, n, id)
}
