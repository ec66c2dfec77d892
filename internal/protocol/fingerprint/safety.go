// Package fingerprint computes safety numbers: a numeric string both sides
// of a conversation can compare out of band to detect a swapped identity key.
package fingerprint

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	version    = 0
	iterations = 5200
	// digits per party
	partyDigits = 30
)

var ErrEmptyInput = errors.New("fingerprint: identity key and id are required")

// SafetyNumber is symmetric: swapping (localID, localKey) with
// (remoteID, remoteKey) yields the same string.
func SafetyNumber(localID string, localKey []byte, remoteID string, remoteKey []byte) (string, error) {
	if localID == "" || remoteID == "" || len(localKey) == 0 || len(remoteKey) == 0 {
		return "", ErrEmptyInput
	}

	local := displayable(localID, localKey)
	remote := displayable(remoteID, remoteKey)
	if localID < remoteID || (localID == remoteID && local < remote) {
		return group(local + remote), nil
	}
	return group(remote + local), nil
}

// displayable is the 30 digit half contributed by one party.
func displayable(id string, key []byte) string {
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], version)

	h := sha512.New()
	h.Write(v[:])
	h.Write(key)
	h.Write([]byte(id))
	digest := h.Sum(nil)

	for i := 0; i < iterations; i++ {
		h.Reset()
		h.Write(digest)
		h.Write(key)
		digest = h.Sum(digest[:0])
	}

	var sb strings.Builder
	for i := 0; i < partyDigits/5; i++ {
		chunk := digest[i*5 : i*5+5]
		n := uint64(chunk[0])<<32 | uint64(chunk[1])<<24 | uint64(chunk[2])<<16 |
			uint64(chunk[3])<<8 | uint64(chunk[4])
		fmt.Fprintf(&sb, "%05d", n%100000)
	}
	return sb.String()
}

func group(digits string) string {
	parts := make([]string, 0, len(digits)/5)
	for i := 0; i < len(digits); i += 5 {
		parts = append(parts, digits[i:i+5])
	}
	return strings.Join(parts, " ")
}
