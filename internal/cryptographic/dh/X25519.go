package dh

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

var ErrLowOrderPoint = errors.New("x25519: low order point")

// NewX25519KeyPair generates a clamped X25519 key pair.
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	_, err = rand.Read(priv[:])
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// PublicKey returns the public half of priv.
func PublicKey(priv [32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// X25519SharedSecret performs priv * pub and rejects an all-zero result.
func X25519SharedSecret(priv, pub [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, ErrLowOrderPoint
	}
	var zero [32]byte
	if subtle.ConstantTimeCompare(out, zero[:]) == 1 {
		return nil, ErrLowOrderPoint
	}
	return out, nil
}

// ToKey copies b into a fixed-size key, failing on a length mismatch.
func ToKey(b []byte) ([32]byte, error) {
	var k [32]byte
	if len(b) != len(k) {
		return k, fmt.Errorf("x25519: key must be 32 bytes, got %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}
