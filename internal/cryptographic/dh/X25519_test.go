package dh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretAgrees(t *testing.T) {
	aPriv, aPub, err := NewX25519KeyPair()
	require.NoError(t, err)
	bPriv, bPub, err := NewX25519KeyPair()
	require.NoError(t, err)

	ab, err := X25519SharedSecret(aPriv, bPub)
	require.NoError(t, err)
	ba, err := X25519SharedSecret(bPriv, aPub)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
	assert.Equal(t, aPub, PublicKey(aPriv))
}

func TestSharedSecretRejectsZeroPoint(t *testing.T) {
	priv, _, err := NewX25519KeyPair()
	require.NoError(t, err)

	_, err = X25519SharedSecret(priv, [32]byte{})
	assert.ErrorIs(t, err, ErrLowOrderPoint)
}

func TestToKey(t *testing.T) {
	_, err := ToKey(make([]byte, 31))
	assert.Error(t, err)

	k, err := ToKey(make([]byte, 32))
	require.NoError(t, err)
	assert.Equal(t, [32]byte{}, k)
}
