package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/durable/internal/observability"
)

// Stub makes calls on a remote object look local. Any method name is
// accepted; resolution happens on the serving side.
type Stub struct {
	identity string
	client   *Client
}

// NewStub wraps conn in a dedicated Client.
func NewStub(identity string, conn Connection) *Stub {
	return NewClient(conn, Config{}).Stub(identity)
}

func (s *Stub) Identity() string {
	return s.identity
}

// Invoke sends params verbatim and returns the raw result bytes.
func (s *Stub) Invoke(ctx context.Context, method string, params []byte) ([]byte, error) {
	start := time.Now()
	reply, err := s.client.Do(ctx, Envelope{
		MethodName: method,
		Params:     params,
		Target:     s.identity,
	})
	if err == nil && reply.Kind == KindError {
		err = &RemoteError{Method: method, Message: string(reply.Params)}
	}
	observability.RecordRPC("out", method, time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return reply.Params, nil
}

// Call encodes args as a JSON array and decodes the JSON result into out.
// out may be nil when the result is not needed.
func (s *Stub) Call(ctx context.Context, method string, args []any, out any) error {
	if args == nil {
		args = []any{}
	}
	params, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("rpc: encode %s args: %w", method, err)
	}
	result, err := s.Invoke(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("rpc: decode %s result: %w", method, err)
	}
	return nil
}
