package storage

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes KV values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, out any) error
}

// MsgpackCodec stores values as MessagePack. Interface decoding is loose:
// integers come back as int64/uint64 and floats as float64. Struct fields
// honour json tags.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte, out any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(out)
}
