package protocol

import (
	"fmt"
	"slices"
)

// FieldSpec declares one field a message type understands.
type FieldSpec struct {
	ID       uint16
	Type     FieldType
	Required bool
}

// Schema lists the fields of one message type. Fields outside the schema are
// kept aside, never rejected, so peers can add fields without a version bump.
type Schema struct {
	MessageType MessageType
	Fields      []FieldSpec
}

// Value holds one decoded field; only the member matching Type is set.
type Value struct {
	Type   FieldType
	Uint8  uint8
	Uint16 uint16
	Uint32 uint32
	Uint64 uint64
	Int64  int64
	Bool   bool
	String string
	Bytes  []byte
}

type SemanticMessage struct {
	Header    Header
	AuthBlock []byte
	Fields    map[uint16]Value
	Unknown   []Field
}

type MissingFieldError struct {
	FieldID uint16
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("protocol: missing required field %d", e.FieldID)
}

var decoders = map[FieldType]func(Field, *Value) error{
	FieldUint8:  func(f Field, v *Value) (err error) { v.Uint8, err = f.Uint8(); return },
	FieldUint16: func(f Field, v *Value) (err error) { v.Uint16, err = f.Uint16(); return },
	FieldUint32: func(f Field, v *Value) (err error) { v.Uint32, err = f.Uint32(); return },
	FieldUint64: func(f Field, v *Value) (err error) { v.Uint64, err = f.Uint64(); return },
	FieldInt64:  func(f Field, v *Value) (err error) { v.Int64, err = f.Int64(); return },
	FieldBool:   func(f Field, v *Value) (err error) { v.Bool, err = f.Bool(); return },
	FieldString: func(f Field, v *Value) (err error) { v.String, err = f.String(); return },
	FieldBytes:  func(f Field, v *Value) (err error) { v.Bytes, err = f.Bytes(); return },
}

// ParseSemantic decodes msg against schema. A missing required field is
// reported as MissingFieldError naming the lowest missing id.
func ParseSemantic(msg *Message, schema Schema) (*SemanticMessage, error) {
	if msg == nil {
		return nil, ErrInvalidLength
	}
	if msg.Header.MessageType != schema.MessageType {
		return nil, ErrMessageTypeMismatch
	}

	out := &SemanticMessage{
		Header:    msg.Header,
		AuthBlock: msg.AuthBlock,
		Fields:    make(map[uint16]Value, len(schema.Fields)),
	}
	for _, f := range msg.Fields {
		i := slices.IndexFunc(schema.Fields, func(s FieldSpec) bool { return s.ID == f.ID })
		if i < 0 {
			out.Unknown = append(out.Unknown, f)
			continue
		}
		want := schema.Fields[i].Type
		decode, ok := decoders[want]
		if !ok || f.Type != want {
			return nil, ErrFieldTypeMismatch
		}
		v := Value{Type: want}
		if err := decode(f, &v); err != nil {
			return nil, err
		}
		out.Fields[f.ID] = v
	}

	var missing []uint16
	for _, spec := range schema.Fields {
		if _, ok := out.Fields[spec.ID]; spec.Required && !ok {
			missing = append(missing, spec.ID)
		}
	}
	if len(missing) > 0 {
		return nil, MissingFieldError{FieldID: slices.Min(missing)}
	}
	return out, nil
}
