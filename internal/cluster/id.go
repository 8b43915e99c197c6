package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidID = errors.New("cluster: invalid object id")

// IDLength is the hex length of an ID.
const IDLength = sha256.Size * 2

// ID names one object within a binding: 64 lowercase hex characters.
type ID string

func (id ID) String() string {
	return string(id)
}

// IDFromName derives a stable ID from a human-readable name. The binding is
// mixed in so equal names in different bindings do not collide.
func IDFromName(binding, name string) ID {
	sum := sha256.Sum256([]byte(binding + "\x00" + name))
	return ID(hex.EncodeToString(sum[:]))
}

// IDFromString validates s as an ID. Upper-case hex is normalised.
func IDFromString(s string) (ID, error) {
	if len(s) != IDLength {
		return "", fmt.Errorf("%w: length %d", ErrInvalidID, len(s))
	}
	s = strings.ToLower(s)
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return ID(s), nil
}

// NewUniqueID returns a random ID that no name maps to in practice.
func NewUniqueID(binding string) ID {
	sum := sha256.Sum256([]byte(binding + "\x01" + uuid.NewString()))
	return ID(hex.EncodeToString(sum[:]))
}

// ShardFor places id on one of hostCount hosts. hostCount <= 1 maps
// everything to host 0.
func ShardFor(id ID, hostCount int) int {
	if hostCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(hostCount))
}
