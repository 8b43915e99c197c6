package protocol

import "encoding/binary"

func NewFieldUint8(id uint16, v uint8) Field {
	return Field{ID: id, Type: FieldUint8, Value: []byte{v}}
}

func NewFieldUint16(id uint16, v uint16) Field {
	return Field{ID: id, Type: FieldUint16, Value: binary.BigEndian.AppendUint16(nil, v)}
}

func NewFieldUint32(id uint16, v uint32) Field {
	return Field{ID: id, Type: FieldUint32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func NewFieldUint64(id uint16, v uint64) Field {
	return Field{ID: id, Type: FieldUint64, Value: binary.BigEndian.AppendUint64(nil, v)}
}

// NewFieldInt64 encodes v as two's complement big endian.
func NewFieldInt64(id uint16, v int64) Field {
	return Field{ID: id, Type: FieldInt64, Value: binary.BigEndian.AppendUint64(nil, uint64(v))}
}

func NewFieldBool(id uint16, v bool) Field {
	if v {
		return Field{ID: id, Type: FieldBool, Value: []byte{1}}
	}
	return Field{ID: id, Type: FieldBool, Value: []byte{0}}
}

func NewFieldString(id uint16, v string) Field {
	return Field{ID: id, Type: FieldString, Value: []byte(v)}
}

// NewFieldBytes copies v.
func NewFieldBytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: FieldBytes, Value: append([]byte(nil), v...)}
}

// fixed checks the type tag and exact width of a numeric field.
func (f Field) fixed(want FieldType, width int) ([]byte, error) {
	if f.Type != want {
		return nil, ErrFieldTypeMismatch
	}
	if len(f.Value) != width {
		return nil, ErrInvalidLength
	}
	return f.Value, nil
}

func (f Field) Uint8() (uint8, error) {
	b, err := f.fixed(FieldUint8, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (f Field) Uint16() (uint16, error) {
	b, err := f.fixed(FieldUint16, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (f Field) Uint32() (uint32, error) {
	b, err := f.fixed(FieldUint32, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (f Field) Uint64() (uint64, error) {
	b, err := f.fixed(FieldUint64, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (f Field) Int64() (int64, error) {
	b, err := f.fixed(FieldInt64, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// Bool accepts only 0 and 1.
func (f Field) Bool() (bool, error) {
	b, err := f.fixed(FieldBool, 1)
	if err != nil {
		return false, err
	}
	if b[0] > 1 {
		return false, ErrInvalidBool
	}
	return b[0] == 1, nil
}

func (f Field) String() (string, error) {
	if f.Type != FieldString {
		return "", ErrFieldTypeMismatch
	}
	return string(f.Value), nil
}

// Bytes returns a copy of the value.
func (f Field) Bytes() ([]byte, error) {
	if f.Type != FieldBytes {
		return nil, ErrFieldTypeMismatch
	}
	return append([]byte(nil), f.Value...), nil
}
