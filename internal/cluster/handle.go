package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/durable/internal/actor"
	"github.com/danmuck/durable/internal/registry"
	"github.com/danmuck/durable/internal/rpc"
)

// MethodFetch is the reserved rpc method carrying a fetch.
const MethodFetch = "__fetch"

// Handle reaches one object, wherever it lives. Local and remote handles
// behave the same: arguments and results pass through JSON either way.
type Handle interface {
	ID() ID
	Binding() string
	Local() bool
	Fetch(ctx context.Context, req *actor.Request) (*actor.Response, error)
	Call(ctx context.Context, method string, args []any, out any) error
}

// Invoke calls method on h and decodes the result as R.
func Invoke[R any](ctx context.Context, h Handle, method string, args ...any) (R, error) {
	var out R
	err := h.Call(ctx, method, args, &out)
	return out, err
}

type localHandle struct {
	ns *Namespace
	id ID
}

func (h *localHandle) ID() ID          { return h.id }
func (h *localHandle) Binding() string { return h.ns.name }
func (h *localHandle) Local() bool     { return true }

// withInstance retries once when the instance was evicted between lookup
// and enqueue.
func (h *localHandle) withInstance(ctx context.Context, fn func(*actor.Instance) error) error {
	for attempt := 0; ; attempt++ {
		inst, err := h.ns.cluster.instance(ctx, h.ns, h.id)
		if err != nil {
			if errors.Is(err, registry.ErrClosed) {
				return ErrClosed
			}
			return err
		}
		err = fn(inst)
		if errors.Is(err, actor.ErrClosed) && attempt == 0 {
			continue
		}
		return err
	}
}

func (h *localHandle) Fetch(ctx context.Context, req *actor.Request) (*actor.Response, error) {
	var resp *actor.Response
	err := h.withInstance(ctx, func(inst *actor.Instance) error {
		var err error
		resp, err = inst.Fetch(ctx, req)
		return err
	})
	return resp, err
}

func (h *localHandle) Call(ctx context.Context, method string, args []any, out any) error {
	raw, err := actor.EncodeArgs(args...)
	if err != nil {
		return err
	}
	var result any
	err = h.withInstance(ctx, func(inst *actor.Instance) error {
		var err error
		result, err = inst.Call(ctx, method, raw)
		return err
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("cluster: encode %s result: %w", method, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("cluster: decode %s result: %w", method, err)
	}
	return nil
}

type remoteHandle struct {
	ns   *Namespace
	id   ID
	host int
}

func (h *remoteHandle) ID() ID          { return h.id }
func (h *remoteHandle) Binding() string { return h.ns.name }
func (h *remoteHandle) Local() bool     { return false }

func (h *remoteHandle) target() string {
	return h.ns.name + "/" + string(h.id)
}

// invoke runs fn against the owning peer's stub. The call is not retried;
// a transport failure only drops the connection so the next call redials.
func (h *remoteHandle) invoke(ctx context.Context, fn func(*rpc.Stub) error) error {
	peers := h.ns.cluster.peers
	client, err := peers.client(ctx, h.host)
	if err != nil {
		return err
	}
	err = fn(client.Stub(h.target()))
	if errors.Is(err, rpc.ErrTransport) {
		peers.drop(h.host, client)
	}
	return err
}

func (h *remoteHandle) Fetch(ctx context.Context, req *actor.Request) (*actor.Response, error) {
	if req.WebSocket != nil {
		return nil, fmt.Errorf("%w: websocket upgrade must reach the owning host", ErrNotLocal)
	}
	params, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("cluster: encode request: %w", err)
	}
	var resp actor.Response
	err = h.invoke(ctx, func(stub *rpc.Stub) error {
		out, err := stub.Invoke(ctx, MethodFetch, params)
		if err != nil {
			return err
		}
		return json.Unmarshal(out, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *remoteHandle) Call(ctx context.Context, method string, args []any, out any) error {
	return h.invoke(ctx, func(stub *rpc.Stub) error {
		return stub.Call(ctx, method, args, out)
	})
}

// HandleEnvelope serves one rpc call addressed to "<binding>/<id>". Only ids
// owned by this host are served; calls are never forwarded.
func (c *Cluster) HandleEnvelope(ctx context.Context, env rpc.Envelope) ([]byte, error) {
	binding, rawID, ok := strings.Cut(env.Target, "/")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadTarget, env.Target)
	}
	ns, err := c.env.Binding(binding)
	if err != nil {
		return nil, err
	}
	id, err := IDFromString(rawID)
	if err != nil {
		return nil, err
	}
	inst, err := ns.Instance(ctx, id)
	if err != nil {
		return nil, err
	}

	if env.MethodName == MethodFetch {
		var req actor.Request
		if err := json.Unmarshal(env.Params, &req); err != nil {
			return nil, fmt.Errorf("cluster: decode request: %w", err)
		}
		resp, err := inst.Fetch(ctx, &req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}

	var args []json.RawMessage
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &args); err != nil {
			return nil, fmt.Errorf("%w: %v", actor.ErrBadArguments, err)
		}
	}
	result, err := inst.Call(ctx, env.MethodName, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}
