// Package frame delimits opaque messages on a byte stream with a 4-byte big
// endian length prefix.
package frame

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

const PrefixLen = 4

var (
	ErrShortHeader     = errors.New("frame: short length prefix")
	ErrShortPayload    = errors.New("frame: short payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrEmptyFrame      = errors.New("frame: empty frame")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 16 * 1024 * 1024}
}

func (l Limits) withDefaults() Limits {
	if l.MaxPayloadBytes == 0 {
		return DefaultLimits()
	}
	return l
}

// ReadFrame reads one frame. A clean EOF before any prefix byte is returned
// as io.EOF so callers can tell a closed stream from a torn one.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()
	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortPayload
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload as one frame with a single Write call.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	limits = limits.withDefaults()
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if uint64(len(payload)) > math.MaxUint32 || uint32(len(payload)) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, PrefixLen, PrefixLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}
