package rpc

import (
	"fmt"
	"sync/atomic"

	"github.com/danmuck/durable/internal/protocol"
)

// Kind distinguishes requests from the two reply shapes.
type Kind uint8

const (
	KindCall Kind = iota + 1
	KindResult
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Envelope is one RPC message. Params is opaque to this package; the stubs
// put a JSON argument array there, replies carry the encoded result or the
// error text.
type Envelope struct {
	Kind       Kind
	UniqueID   string
	MethodName string
	Params     []byte
	Timestamp  int64
	// Target names the object a call is addressed to. Empty for replies.
	Target string
	// Auth travels in the protocol auth block.
	Auth []byte
}

const (
	fieldUniqueID   uint16 = 1
	fieldMethodName uint16 = 2
	fieldParams     uint16 = 3
	fieldTimestamp  uint16 = 4
	fieldTarget     uint16 = 5
)

var envelopeFields = []protocol.FieldSpec{
	{ID: fieldUniqueID, Type: protocol.FieldString, Required: true},
	{ID: fieldMethodName, Type: protocol.FieldString, Required: true},
	{ID: fieldParams, Type: protocol.FieldBytes, Required: true},
	{ID: fieldTimestamp, Type: protocol.FieldInt64, Required: true},
	{ID: fieldTarget, Type: protocol.FieldString},
}

var messageSeq atomic.Uint64

func (k Kind) messageType() (protocol.MessageType, uint32, error) {
	switch k {
	case KindCall:
		return protocol.MessageCall, 0, nil
	case KindResult:
		return protocol.MessageResult, protocol.FlagIsResponse, nil
	case KindError:
		return protocol.MessageError, protocol.FlagIsResponse | protocol.FlagIsError, nil
	default:
		return 0, 0, fmt.Errorf("%w: kind %d", ErrInvalidEnvelope, k)
	}
}

func kindOf(t protocol.MessageType) (Kind, error) {
	switch t {
	case protocol.MessageCall:
		return KindCall, nil
	case protocol.MessageResult:
		return KindResult, nil
	case protocol.MessageError:
		return KindError, nil
	default:
		return 0, fmt.Errorf("%w: message type %d", ErrInvalidEnvelope, t)
	}
}

// EncodeEnvelope returns the wire form of env.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	mt, flags, err := env.Kind.messageType()
	if err != nil {
		return nil, err
	}
	if env.UniqueID == "" {
		return nil, fmt.Errorf("%w: empty unique id", ErrInvalidEnvelope)
	}
	msg := &protocol.Message{
		Header: protocol.Header{
			MessageID:   messageSeq.Add(1),
			MessageType: mt,
			Flags:       flags,
		},
		Fields: []protocol.Field{
			protocol.NewFieldString(fieldUniqueID, env.UniqueID),
			protocol.NewFieldString(fieldMethodName, env.MethodName),
			protocol.NewFieldBytes(fieldParams, env.Params),
			protocol.NewFieldInt64(fieldTimestamp, env.Timestamp),
		},
	}
	if env.Params == nil {
		msg.Header.Flags |= protocol.FlagNilParams
	}
	if env.Target != "" {
		msg.Fields = append(msg.Fields, protocol.NewFieldString(fieldTarget, env.Target))
	}
	if len(env.Auth) > 0 {
		msg.Header.Flags |= protocol.FlagHasAuth
		msg.AuthBlock = env.Auth
	}
	return protocol.Marshal(msg)
}

// DecodeEnvelope parses one envelope. Unknown fields are ignored.
func DecodeEnvelope(b []byte) (Envelope, error) {
	msg, err := protocol.Unmarshal(b)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	kind, err := kindOf(msg.Header.MessageType)
	if err != nil {
		return Envelope{}, err
	}
	sem, err := protocol.ParseSemantic(msg, protocol.Schema{
		MessageType: msg.Header.MessageType,
		Fields:      envelopeFields,
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	env := Envelope{
		Kind:       kind,
		UniqueID:   sem.Fields[fieldUniqueID].String,
		MethodName: sem.Fields[fieldMethodName].String,
		Timestamp:  sem.Fields[fieldTimestamp].Int64,
		Target:     sem.Fields[fieldTarget].String,
		Auth:       msg.AuthBlock,
	}
	if msg.Header.Flags&protocol.FlagNilParams == 0 {
		env.Params = sem.Fields[fieldParams].Bytes
		if env.Params == nil {
			env.Params = []byte{}
		}
	}
	if env.UniqueID == "" {
		return Envelope{}, fmt.Errorf("%w: empty unique id", ErrInvalidEnvelope)
	}
	return env, nil
}

// reply builds the response envelope for env.
func (env Envelope) reply(kind Kind, params []byte) Envelope {
	return Envelope{
		Kind:       kind,
		UniqueID:   env.UniqueID,
		MethodName: env.MethodName,
		Params:     params,
		Timestamp:  Timestamp(),
	}
}
