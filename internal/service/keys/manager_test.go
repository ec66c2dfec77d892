package keys_test

import (
	"context"
	"errors"
	"testing"

	"e2e_messaging/internal/cryptographic/signature"
	"e2e_messaging/internal/keystore"
	"e2e_messaging/internal/service/keys"
	"e2e_messaging/internal/service/keys/keystest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, userID string, dir *keystest.Directory) (*keys.Manager, *keystore.Store) {
	t.Helper()
	store, err := keystore.Open(context.Background(), keystore.NewMemoryBackend(), []byte("device-"+userID), 16)
	require.NoError(t, err)
	return keys.NewManager(userID, store, dir, keys.DefaultOptions()), store
}

func TestEnsureKeysExist_FreshDevice(t *testing.T) {
	ctx := context.Background()
	dir := keystest.NewDirectory()
	m, _ := newManager(t, "alice", dir)

	generated, err := m.EnsureKeysExist(ctx)
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Equal(t, 1, dir.PublishCalls)

	id, regID, err := m.Identity(ctx)
	require.NoError(t, err)
	assert.NotZero(t, regID)
	assert.LessOrEqual(t, regID, uint32(16380))

	spk, err := m.CurrentSignedPreKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), spk.ID)
	assert.True(t, signature.ED25519Verify(id.SignPub, spk.Pub[:], spk.Signature))

	n, err := m.PreKeyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Len(t, dir.Available("alice"), 100)
}

func TestEnsureKeysExist_SecondCallKeepsKeys(t *testing.T) {
	ctx := context.Background()
	dir := keystest.NewDirectory()
	m, _ := newManager(t, "alice", dir)

	_, err := m.EnsureKeysExist(ctx)
	require.NoError(t, err)
	first, _, err := m.Identity(ctx)
	require.NoError(t, err)

	generated, err := m.EnsureKeysExist(ctx)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, 1, dir.PublishCalls)
	assert.Equal(t, 0, dir.AdditionalCalls)

	second, _, err := m.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.DHPub, second.DHPub)
}

func TestEnsureKeysExist_ReplenishesLowPool(t *testing.T) {
	ctx := context.Background()
	dir := keystest.NewDirectory()
	m, _ := newManager(t, "alice", dir)
	_, err := m.EnsureKeysExist(ctx)
	require.NoError(t, err)

	// consume 91, leaving 9 unused
	ids, err := m.PreKeyIDs(ctx)
	require.NoError(t, err)
	for _, id := range ids[:91] {
		require.NoError(t, m.RemoveOneTimePreKey(ctx, id))
	}
	remaining, err := m.PreKeyIDs(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 9)

	generated, err := m.EnsureKeysExist(ctx)
	require.NoError(t, err)
	assert.False(t, generated)

	after, err := m.PreKeyIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, after, 109)
	assert.Equal(t, remaining, after[:9], "existing unused keys are kept")

	seen := make(map[uint32]bool)
	for _, id := range after {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	for _, pk := range dir.LastAdditional {
		assert.Greater(t, pk.ID, uint32(100), "new ids continue after the old maximum")
	}
	assert.Len(t, dir.LastAdditional, 100)
}

func TestEnsureKeysExist_ReplenishesWhenDirectoryRunsLow(t *testing.T) {
	ctx := context.Background()
	dir := keystest.NewDirectory()
	m, _ := newManager(t, "bob", dir)
	_, err := m.EnsureKeysExist(ctx)
	require.NoError(t, err)

	// fetches whose first message never arrives use up published keys only
	for i := 0; i < 95; i++ {
		_, err := dir.FetchPreKeyBundle(ctx, "bob")
		require.NoError(t, err)
	}
	require.Equal(t, 100, mustLocalCount(t, m))
	require.Len(t, dir.Available("bob"), 5)

	generated, err := m.EnsureKeysExist(ctx)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, 1, dir.AdditionalCalls)
	assert.Len(t, dir.Available("bob"), 105)
	assert.Equal(t, 200, mustLocalCount(t, m))

	// enough on both sides now
	n, err := m.ReplenishIfLow(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnsureKeysExist_RepublishesLostKeys(t *testing.T) {
	ctx := context.Background()
	dir := keystest.NewDirectory()
	m, _ := newManager(t, "bob", dir)
	_, err := m.EnsureKeysExist(ctx)
	require.NoError(t, err)
	id, _, err := m.Identity(ctx)
	require.NoError(t, err)

	dir.Forget("bob")
	generated, err := m.EnsureKeysExist(ctx)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, 2, dir.PublishCalls)
	assert.Len(t, dir.Available("bob"), 100)

	b, err := dir.FetchPreKeyBundle(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, id.DHPub[:], b.IdentityKey, "same identity is published again")
}

func TestReplenishIfLow_DirectoryUnreachable(t *testing.T) {
	ctx := context.Background()
	dir := keystest.NewDirectory()
	m, _ := newManager(t, "bob", dir)
	_, err := m.EnsureKeysExist(ctx)
	require.NoError(t, err)

	dir.FailErr = errors.New("offline")
	_, err = m.ReplenishIfLow(ctx)
	assert.ErrorIs(t, err, dir.FailErr)
}

func mustLocalCount(t *testing.T, m *keys.Manager) int {
	t.Helper()
	n, err := m.PreKeyCount(context.Background())
	require.NoError(t, err)
	return n
}

func TestReplenishNeverReusesConsumedIDs(t *testing.T) {
	ctx := context.Background()
	dir := keystest.NewDirectory()
	m, _ := newManager(t, "alice", dir)
	_, err := m.EnsureKeysExist(ctx)
	require.NoError(t, err)

	// the highest id is consumed; the next batch must still start above it
	require.NoError(t, m.RemoveOneTimePreKey(ctx, 100))
	_, err = m.ReplenishPreKeys(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint32(101), dir.LastAdditional[0].ID)
	_, err = m.OneTimePreKey(ctx, 100)
	assert.ErrorIs(t, err, keys.ErrUnknownPreKey)
}

func TestResetKeys(t *testing.T) {
	ctx := context.Background()
	dir := keystest.NewDirectory()
	m, store := newManager(t, "alice", dir)
	_, err := m.EnsureKeysExist(ctx)
	require.NoError(t, err)
	before, _, err := m.Identity(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "session/bob.1", []byte("state")))

	require.NoError(t, m.ResetKeys(ctx))

	after, _, err := m.Identity(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.DHPub, after.DHPub)
	assert.Equal(t, 2, dir.PublishCalls)

	_, ok, err := store.Get(ctx, "session/bob.1")
	require.NoError(t, err)
	assert.False(t, ok, "sessions are destroyed by a reset")
}

func TestIdentityBeforeGeneration(t *testing.T) {
	m, _ := newManager(t, "alice", keystest.NewDirectory())
	_, _, err := m.Identity(context.Background())
	assert.ErrorIs(t, err, keys.ErrNoIdentity)
}

func TestPublishFailureSurfaces(t *testing.T) {
	dir := keystest.NewDirectory()
	dir.FailErr = errors.New("offline")
	m, _ := newManager(t, "alice", dir)

	_, err := m.EnsureKeysExist(context.Background())
	assert.Error(t, err)
}

func TestTrustedIdentity(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, "alice", keystest.NewDirectory())

	changed, err := m.SaveTrustedIdentity(ctx, "bob", []byte("key-1"))
	require.NoError(t, err)
	assert.False(t, changed, "first sighting is trusted")

	changed, err = m.SaveTrustedIdentity(ctx, "bob", []byte("key-1"))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = m.SaveTrustedIdentity(ctx, "bob", []byte("key-2"))
	require.NoError(t, err)
	assert.True(t, changed)

	key, ok, err := m.TrustedIdentity(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("key-2"), key)
}

func TestSafetyNumberMatchesOnBothSides(t *testing.T) {
	ctx := context.Background()
	dir := keystest.NewDirectory()
	alice, _ := newManager(t, "alice", dir)
	bob, _ := newManager(t, "bob", dir)
	_, err := alice.EnsureKeysExist(ctx)
	require.NoError(t, err)
	_, err = bob.EnsureKeysExist(ctx)
	require.NoError(t, err)

	aliceID, _, err := alice.Identity(ctx)
	require.NoError(t, err)
	bobID, _, err := bob.Identity(ctx)
	require.NoError(t, err)

	fromAlice, err := alice.SafetyNumber(ctx, "alice", "bob", bobID.DHPub[:])
	require.NoError(t, err)
	fromBob, err := bob.SafetyNumber(ctx, "bob", "alice", aliceID.DHPub[:])
	require.NoError(t, err)
	assert.Equal(t, fromAlice, fromBob)
}
