package tlv

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		{ID: 1, Type: TypeString, Value: []byte("call-1")},
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
		{ID: 3, Type: TypeBytes},
	}
	b, err := EncodeFields(in)
	if err != nil {
		t.Fatalf("encode fields: %v", err)
	}
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
	if len(out[2].Value) != 0 {
		t.Fatalf("expected empty value, got %v", out[2].Value)
	}
}

func TestDecodeFieldsCopiesValues(t *testing.T) {
	b, err := EncodeField(Field{ID: 1, Type: TypeBytes, Value: []byte{1, 2}})
	if err != nil {
		t.Fatalf("encode field: %v", err)
	}
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	b[HeaderLen] = 9
	if out[0].Value[0] != 1 {
		t.Fatalf("decoded value aliases input")
	}
}

func TestI64FromBytes(t *testing.T) {
	b := []byte{0x80, 0, 0, 0, 0, 0, 0, 0}
	v, err := I64FromBytes(b)
	if err != nil {
		t.Fatalf("i64: %v", err)
	}
	if v != math.MinInt64 {
		t.Fatalf("expected MinInt64, got %d", v)
	}
	if _, err := I64FromBytes(b[:4]); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
