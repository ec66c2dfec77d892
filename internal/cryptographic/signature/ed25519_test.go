package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	pub, priv, err := NewEd25519Keypair()
	require.NoError(t, err)

	sig := ED25519Sign(priv, []byte("spk"))
	assert.True(t, ED25519Verify(pub, []byte("spk"), sig))
	assert.False(t, ED25519Verify(pub, []byte("other"), sig))
	assert.False(t, ED25519Verify(pub[:10], []byte("spk"), sig))
}
