package kdf

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 5869, test case 1.
func TestHKDFVector(t *testing.T) {
	ikm := bytes.Repeat([]byte{0x0b}, 22)
	salt, _ := hex.DecodeString("000102030405060708090a0b0c")
	info, _ := hex.DecodeString("f0f1f2f3f4f5f6f7f8f9")

	out := make([]byte, 42)
	n, err := HKDF(ikm, salt, info, out)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t,
		"3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865",
		hex.EncodeToString(out))
}

// RFC 7914, section 11 (PBKDF2-HMAC-SHA256, c=1).
func TestPBKDF2Vector(t *testing.T) {
	out := PBKDF2([]byte("passwd"), []byte("salt"), 1, 64)
	assert.Equal(t, "55ac046e56e3089fec1691c22544b605", hex.EncodeToString(out[:16]))
}

func TestPBKDF2Deterministic(t *testing.T) {
	a := PBKDF2([]byte("entropy"), []byte("salt"), 100, 32)
	b := PBKDF2([]byte("entropy"), []byte("salt"), 100, 32)
	c := PBKDF2([]byte("entropy"), []byte("salt2"), 100, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}
