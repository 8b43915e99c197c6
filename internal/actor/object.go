package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrClosed             = errors.New("actor: instance closed")
	ErrNoMethod           = errors.New("actor: no such method")
	ErrBadArguments       = errors.New("actor: bad arguments")
	ErrNoAlarmHandler     = errors.New("actor: object has no alarm handler")
	ErrNoWebSocketHandler = errors.New("actor: object has no websocket handler")
	ErrBodyTooLarge       = errors.New("actor: request body too large")
)

// Object is user code bound to one identity.
type Object interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Alarmer is implemented by objects that use storage alarms.
type Alarmer interface {
	Alarm(ctx context.Context) error
}

// WebSocketHandler receives events for sockets accepted through
// State.AcceptWebSocket.
type WebSocketHandler interface {
	WebSocketMessage(ctx context.Context, ws WebSocket, data []byte) error
	WebSocketClose(ctx context.Context, ws WebSocket, code int, reason string) error
}

// MethodProvider exposes named methods callable through Instance.Call and
// over RPC.
type MethodProvider interface {
	Methods() MethodTable
}

// Constructor builds the object for a new instance. It may register
// BlockConcurrencyWhile work on state; events wait for it.
type Constructor func(state *State) (Object, error)

// MethodFunc receives one JSON document per positional argument.
type MethodFunc func(ctx context.Context, args []json.RawMessage) (any, error)

type MethodTable map[string]MethodFunc

// HandlerError is a panic recovered from user code.
type HandlerError struct {
	Kind  string
	Panic any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("actor: %s handler panic: %v", e.Kind, e.Panic)
}

func Method0[R any](fn func(ctx context.Context) (R, error)) MethodFunc {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: want 0 arguments, got %d", ErrBadArguments, len(args))
		}
		return fn(ctx)
	}
}

func Method1[A, R any](fn func(ctx context.Context, a A) (R, error)) MethodFunc {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: want 1 argument, got %d", ErrBadArguments, len(args))
		}
		var a A
		if err := decodeArg(args[0], 0, &a); err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}
}

func Method2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) MethodFunc {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: want 2 arguments, got %d", ErrBadArguments, len(args))
		}
		var (
			a A
			b B
		)
		if err := decodeArg(args[0], 0, &a); err != nil {
			return nil, err
		}
		if err := decodeArg(args[1], 1, &b); err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}
}

func decodeArg(raw json.RawMessage, i int, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: argument %d: %v", ErrBadArguments, i, err)
	}
	return nil
}

// EncodeArgs turns Go values into the positional JSON form MethodFunc takes.
func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrBadArguments, i, err)
		}
		out[i] = b
	}
	return out, nil
}
