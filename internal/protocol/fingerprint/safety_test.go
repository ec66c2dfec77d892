package fingerprint

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	aliceKey = bytes.Repeat([]byte{0xA1}, 32)
	bobKey   = bytes.Repeat([]byte{0xB0}, 32)
)

func TestSafetyNumberSymmetric(t *testing.T) {
	fromAlice, err := SafetyNumber("alice", aliceKey, "bob", bobKey)
	require.NoError(t, err)
	fromBob, err := SafetyNumber("bob", bobKey, "alice", aliceKey)
	require.NoError(t, err)

	assert.Equal(t, fromAlice, fromBob)
	assert.Regexp(t, regexp.MustCompile(`^(\d{5} ){11}\d{5}$`), fromAlice)
}

func TestSafetyNumberStable(t *testing.T) {
	a, err := SafetyNumber("alice", aliceKey, "bob", bobKey)
	require.NoError(t, err)
	b, err := SafetyNumber("alice", aliceKey, "bob", bobKey)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSafetyNumberChangesWithKey(t *testing.T) {
	a, err := SafetyNumber("alice", aliceKey, "bob", bobKey)
	require.NoError(t, err)

	other := bytes.Repeat([]byte{0xB1}, 32)
	b, err := SafetyNumber("alice", aliceKey, "bob", other)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSafetyNumberRequiresInput(t *testing.T) {
	_, err := SafetyNumber("", aliceKey, "bob", bobKey)
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = SafetyNumber("alice", aliceKey, "bob", nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}
