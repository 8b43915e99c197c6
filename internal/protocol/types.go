package protocol

import "github.com/danmuck/durable/internal/protocol/tlv"

const (
	// Magic spells "DORP" (durable object RPC protocol).
	Magic      uint32 = 0x444F5250
	Version    uint16 = 1
	HeaderSize uint16 = 32
)

const (
	FlagHasAuth    uint32 = 0x01
	FlagIsResponse uint32 = 0x02
	FlagIsError    uint32 = 0x04
	// FlagNilParams marks a params field that was absent rather than empty.
	FlagNilParams uint32 = 0x08
)

// MessageType identifies what a message carries.
type MessageType uint32

const (
	MessageCall   MessageType = 1
	MessageResult MessageType = 2
	MessageError  MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageCall:
		return "call"
	case MessageResult:
		return "result"
	case MessageError:
		return "error"
	default:
		return "unknown"
	}
}

// FieldType is the TLV type tag of a field.
type FieldType uint8

const (
	FieldUint8  = FieldType(tlv.TypeU8)
	FieldUint16 = FieldType(tlv.TypeU16)
	FieldUint32 = FieldType(tlv.TypeU32)
	FieldUint64 = FieldType(tlv.TypeU64)
	FieldBool   = FieldType(tlv.TypeBool)
	FieldString = FieldType(tlv.TypeString)
	FieldBytes  = FieldType(tlv.TypeBytes)
	FieldInt64  = FieldType(tlv.TypeI64)
)

// Header is the fixed frame header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType MessageType
	Flags       uint32
	PayloadLen  uint64
}

// Field is one typed TLV field.
type Field struct {
	ID    uint16
	Type  FieldType
	Value []byte
}

// Message is one complete protocol message.
type Message struct {
	Header    Header
	AuthBlock []byte
	Fields    []Field
}

// Field returns the first field with id.
func (m *Message) Field(id uint16) (Field, bool) {
	for _, f := range m.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}
