// Package tlv implements the type-length-value field layout used inside
// protocol payloads: a 2-byte id, a 1-byte type and a 4-byte length, all big
// endian, followed by the value bytes.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrValueTooLarge    = errors.New("tlv: value too large")
)

const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
	TypeI64    uint8 = 8
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

// Size is the encoded length of f.
func (f Field) Size() int {
	return HeaderLen + len(f.Value)
}

// AppendField appends the encoding of f to dst.
func AppendField(dst []byte, f Field) ([]byte, error) {
	if uint64(len(f.Value)) > math.MaxUint32 {
		return dst, ErrValueTooLarge
	}
	dst = binary.BigEndian.AppendUint16(dst, f.ID)
	dst = append(dst, f.Type)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Value)))
	return append(dst, f.Value...), nil
}

func EncodeField(f Field) ([]byte, error) {
	return AppendField(make([]byte, 0, f.Size()), f)
}

func EncodeFields(fields []Field) ([]byte, error) {
	size := 0
	for _, f := range fields {
		size += f.Size()
	}
	out := make([]byte, 0, size)
	var err error
	for _, f := range fields {
		if out, err = AppendField(out, f); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecodeFields splits payload into fields. Values are copied out of payload.
func DecodeFields(payload []byte) ([]Field, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	fields := make([]Field, 0, 4)
	for i := 0; i < len(payload); {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint64(len(payload)-i) < uint64(l) {
			return nil, ErrShortFieldValue
		}
		var val []byte
		if l > 0 {
			val = make([]byte, l)
			copy(val, payload[i:i+int(l)])
		}
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func I64FromBytes(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tlv: invalid i64 length: %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
