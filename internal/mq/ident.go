package mq

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BytesToHex encodes an identifier as lowercase hex with two digits per byte.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// HexToBytes decodes a caller supplied identifier. Odd length, non-hex characters and
// identifiers longer than IDLength bytes are rejected with ErrInvalidIdentifier.
// Shorter identifiers are padded with zero bytes to IDLength.
func HexToBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrInvalidIdentifier, len(s))
	}
	if len(s) > IDLength*2 {
		return nil, fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidIdentifier, len(s), IDLength*2)
	}
	decoded, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	id := make([]byte, IDLength)
	copy(id, decoded)
	return id, nil
}

// IsZeroID reports whether id has no non-zero byte.
func IsZeroID(id []byte) bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// EqualID compares identifiers after padding both to IDLength.
func EqualID(a, b []byte) bool {
	return bytes.Equal(padID(a), padID(b))
}

func padID(id []byte) []byte {
	if len(id) >= IDLength {
		return id[:IDLength]
	}
	out := make([]byte, IDLength)
	copy(out, id)
	return out
}

// NewMessageID generates a 24 byte identifier for backends that have no native one:
// 16 random bytes followed by the big-endian creation time in nanoseconds.
func NewMessageID() []byte {
	id := make([]byte, 0, IDLength)
	u := uuid.New()
	id = append(id, u[:]...)
	id = binary.BigEndian.AppendUint64(id, uint64(time.Now().UnixNano()))
	return id
}
