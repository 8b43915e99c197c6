package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrClosed          = errors.New("rpc: connection closed")
	ErrTransport       = errors.New("rpc: transport failure")
	ErrUnauthorized    = errors.New("rpc: unauthorized")
	ErrInvalidEnvelope = errors.New("rpc: invalid envelope")
)

// RemoteError is a failure reported by the remote handler. The call reached
// the remote side; retrying it may repeat side effects.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote %s: %s", e.Method, e.Message)
}

// Is lets errors.Is(err, ErrUnauthorized) see through a remote rejection.
func (e *RemoteError) Is(target error) bool {
	return target == ErrUnauthorized && e.Message == ErrUnauthorized.Error()
}
