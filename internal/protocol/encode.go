package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/danmuck/durable/internal/protocol/tlv"
)

// Encode writes msg to w using the protocol wire format.
func Encode(w io.Writer, msg *Message) error {
	b, err := Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Marshal returns the wire encoding of msg. Magic, version and lengths in
// msg.Header are overwritten with the computed values.
func Marshal(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrInvalidLength
	}
	if msg.Header.Flags&FlagHasAuth == 0 && len(msg.AuthBlock) > 0 {
		return nil, ErrAuthFlagMismatch
	}
	if len(msg.AuthBlock) > math.MaxUint16 {
		return nil, ErrAuthTooLarge
	}

	payload, err := tlv.EncodeFields(toTLV(msg.Fields))
	if err != nil {
		if errors.Is(err, tlv.ErrValueTooLarge) {
			return nil, ErrInvalidLength
		}
		return nil, err
	}

	head := msg.Header
	head.Magic = Magic
	head.Version = Version
	head.HeaderLen = HeaderSize
	head.PayloadLen = uint64(len(payload))

	var buf bytes.Buffer
	buf.Grow(int(HeaderSize) + 2 + len(msg.AuthBlock) + len(payload))
	buf.Write(encodeHeader(head))
	if head.Flags&FlagHasAuth != 0 {
		buf.Write(binary.BigEndian.AppendUint16(nil, uint16(len(msg.AuthBlock))))
		buf.Write(msg.AuthBlock)
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], uint32(h.MessageType))
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func toTLV(fields []Field) []tlv.Field {
	out := make([]tlv.Field, len(fields))
	for i, f := range fields {
		out[i] = tlv.Field{ID: f.ID, Type: uint8(f.Type), Value: f.Value}
	}
	return out
}
