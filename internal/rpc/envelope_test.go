package rpc

import (
	"errors"
	"math"
	"testing"

	"github.com/danmuck/durable/internal/protocol"
	"github.com/danmuck/durable/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	testlog.Start(t)

	cases := []Envelope{
		{Kind: KindCall, UniqueID: "a", MethodName: "increment", Params: []byte(`[1,"x"]`), Timestamp: math.MaxInt64, Target: "abc"},
		{Kind: KindCall, UniqueID: "b", MethodName: "", Params: []byte{0x00, 0xff, 0x10}, Timestamp: math.MinInt64},
		{Kind: KindResult, UniqueID: "c", MethodName: "get", Params: []byte("42"), Timestamp: 0},
		{Kind: KindError, UniqueID: "d", MethodName: "boom", Params: []byte("failed"), Timestamp: -1, Auth: []byte("token")},
		{Kind: KindResult, UniqueID: "e", MethodName: "void", Timestamp: 1 << 53},
		{Kind: KindCall, UniqueID: "f", MethodName: "noargs", Params: []byte{}, Timestamp: 7},
	}
	for _, in := range cases {
		b, err := EncodeEnvelope(in)
		require.NoError(t, err)
		out, err := DecodeEnvelope(b)
		require.NoError(t, err)
		require.Equal(t, in, out)
	}
}

func TestEnvelopeTimestampKeepsFullPrecision(t *testing.T) {
	testlog.Start(t)

	// 2^53+1 is not representable as a float64.
	ts := int64(1<<53 + 1)
	b, err := EncodeEnvelope(Envelope{Kind: KindCall, UniqueID: "p", MethodName: "m", Timestamp: ts})
	require.NoError(t, err)
	out, err := DecodeEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, ts, out.Timestamp)
}

func TestEnvelopeRejectsGarbage(t *testing.T) {
	testlog.Start(t)

	_, err := DecodeEnvelope([]byte("not an envelope"))
	require.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = EncodeEnvelope(Envelope{Kind: KindCall, MethodName: "m"})
	require.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = EncodeEnvelope(Envelope{UniqueID: "x"})
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestEnvelopeMissingTimestamp(t *testing.T) {
	testlog.Start(t)

	b, err := protocol.Marshal(&protocol.Message{
		Header: protocol.Header{MessageType: protocol.MessageCall},
		Fields: []protocol.Field{
			protocol.NewFieldString(fieldUniqueID, "x"),
			protocol.NewFieldString(fieldMethodName, "m"),
			protocol.NewFieldBytes(fieldParams, nil),
		},
	})
	require.NoError(t, err)
	_, err = DecodeEnvelope(b)
	require.ErrorIs(t, err, ErrInvalidEnvelope)
	var missing protocol.MissingFieldError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, fieldTimestamp, missing.FieldID)
}

func TestTimestampStrictlyIncreases(t *testing.T) {
	testlog.Start(t)

	prev := Timestamp()
	for i := 0; i < 10000; i++ {
		next := Timestamp()
		require.Greater(t, next, prev)
		prev = next
	}
}
