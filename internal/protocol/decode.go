package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/danmuck/durable/internal/protocol/tlv"
)

// DefaultMaxPayload bounds the payload Decode will allocate for.
const DefaultMaxPayload = 16 << 20

// Decode reads a single message from r using the protocol wire format.
func Decode(r io.Reader) (*Message, error) {
	return DecodeLimit(r, DefaultMaxPayload)
}

// DecodeLimit is Decode with an explicit payload bound.
func DecodeLimit(r io.Reader, maxPayload uint64) (*Message, error) {
	headerBytes := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, ErrTruncated
	}

	head, err := parseHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	if head.PayloadLen > maxPayload {
		return nil, ErrPayloadTooLarge
	}

	msg := &Message{Header: head}
	if head.Flags&FlagHasAuth != 0 {
		auth, err := readAuthBlock(r)
		if err != nil {
			return nil, err
		}
		msg.AuthBlock = auth
	}

	if head.PayloadLen == 0 {
		return msg, nil
	}
	payload := make([]byte, head.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrTruncated
	}

	fields, err := tlv.DecodeFields(payload)
	switch {
	case errors.Is(err, tlv.ErrShortFieldHeader):
		return nil, ErrTruncated
	case errors.Is(err, tlv.ErrShortFieldValue):
		return nil, ErrInvalidLength
	case err != nil:
		return nil, err
	}
	msg.Fields = make([]Field, len(fields))
	for i, f := range fields {
		msg.Fields[i] = Field{ID: f.ID, Type: FieldType(f.Type), Value: f.Value}
	}
	return msg, nil
}

// Unmarshal decodes exactly one message from b.
func Unmarshal(b []byte) (*Message, error) {
	r := bytes.NewReader(b)
	msg, err := DecodeLimit(r, uint64(len(b)))
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, ErrTrailingData
	}
	return msg, nil
}

func parseHeader(buf []byte) (Header, error) {
	if len(buf) != int(HeaderSize) {
		return Header{}, ErrTruncated
	}
	h := Header{
		Magic:       binary.BigEndian.Uint32(buf[0:4]),
		Version:     binary.BigEndian.Uint16(buf[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(buf[6:8]),
		MessageID:   binary.BigEndian.Uint64(buf[8:16]),
		MessageType: MessageType(binary.BigEndian.Uint32(buf[16:20])),
		Flags:       binary.BigEndian.Uint32(buf[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(buf[24:32]),
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Header{}, ErrUnsupportedVersion
	}
	if h.HeaderLen != HeaderSize {
		return Header{}, ErrInvalidHeaderLen
	}
	return h, nil
}

func readAuthBlock(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, ErrTruncated
	}
	authLen := int(binary.BigEndian.Uint16(lenBuf[:]))
	if authLen == 0 {
		return nil, nil
	}
	buf := make([]byte, authLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrTruncated
	}
	return buf, nil
}
