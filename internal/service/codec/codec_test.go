package codec_test

import (
	"context"
	"errors"
	"testing"

	"e2e_messaging/internal/cryptographic/legacy"
	"e2e_messaging/internal/keystore"
	"e2e_messaging/internal/model"
	"e2e_messaging/internal/service/codec"
	"e2e_messaging/internal/service/keys"
	"e2e_messaging/internal/service/keys/keystest"
	"e2e_messaging/internal/service/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sharedKey = "test-shared-key"

func newCodec(t *testing.T, userID string, dir *keystest.Directory) *codec.Codec {
	t.Helper()
	ctx := context.Background()
	store, err := keystore.Open(ctx, keystore.NewMemoryBackend(), []byte(userID), 16)
	require.NoError(t, err)
	km := keys.NewManager(userID, store, dir, keys.DefaultOptions())
	_, err = km.EnsureKeysExist(ctx)
	require.NoError(t, err)
	return codec.New(session.NewEngine(store, km, dir), sharedKey)
}

type failingSessions struct{}

func (failingSessions) EncryptFor(context.Context, string, []byte) (int, []byte, error) {
	return 0, nil, errors.New("engine down")
}

func (failingSessions) DecryptFrom(context.Context, string, int, []byte) ([]byte, error) {
	return nil, errors.New("engine down")
}

func TestPrivateRoundTripUsesSessions(t *testing.T) {
	ctx := context.Background()
	dir := keystest.NewDirectory()
	alice, bob := newCodec(t, "alice", dir), newCodec(t, "bob", dir)

	p, err := alice.EncryptPrivate(ctx, "bob", "hello")
	require.NoError(t, err)
	assert.Equal(t, model.VersionSignal, p.Version)
	assert.Equal(t, model.MessageTypePreKey, p.Type)

	assert.Equal(t, "hello", bob.DecryptPrivate(ctx, "alice", p.Encode()))

	reply, err := bob.EncryptPrivate(ctx, "alice", "hi back")
	require.NoError(t, err)
	assert.Equal(t, model.MessageTypeWhisper, reply.Type)
	assert.Equal(t, "hi back", alice.DecryptPrivate(ctx, "bob", reply.Encode()))
}

func TestFallbackWhenPeerHasNoKeys(t *testing.T) {
	ctx := context.Background()
	dir := keystest.NewDirectory()
	alice := newCodec(t, "alice", dir)

	p, err := alice.EncryptPrivate(ctx, "carol", "still delivered")
	require.NoError(t, err)
	assert.Equal(t, model.VersionLegacy, p.Version)
	assert.NotEmpty(t, p.Data)

	// carol's client has no session either and reads the legacy payload
	carol := codec.New(nil, sharedKey)
	assert.Equal(t, "still delivered", carol.DecryptPrivate(ctx, "alice", p.Encode()))
	assert.Equal(t, "still delivered", alice.DecryptPrivate(ctx, "carol", p.Encode()))
}

func TestFallbackOnEngineFailure(t *testing.T) {
	ctx := context.Background()
	c := codec.New(failingSessions{}, sharedKey)

	p, err := c.EncryptPrivate(ctx, "bob", "text")
	require.NoError(t, err)
	assert.Equal(t, model.VersionLegacy, p.Version)
	assert.Equal(t, "text", c.DecryptPrivate(ctx, "bob", p.Encode()))
}

func TestDecryptPrivateFormats(t *testing.T) {
	ctx := context.Background()
	c := codec.New(failingSessions{}, sharedKey)

	raw, err := legacy.New(sharedKey).Encrypt("from an old client")
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "raw legacy string", payload: raw, want: "from an old client"},
		{name: "legacy envelope", payload: model.EncryptedPayload{Version: model.VersionLegacy, Data: raw}.Encode(), want: "from an old client"},
		{name: "garbage", payload: "definitely not ciphertext", want: codec.DecryptFailedPlaceholder},
		{name: "broken json", payload: `{"version":"signal"`, want: codec.DecryptFailedPlaceholder},
		{name: "signal bad base64", payload: `{"version":"signal","data":"%%%","type":1}`, want: codec.DecryptFailedPlaceholder},
		{name: "signal engine failure", payload: `{"version":"signal","data":"AAAA","type":1}`, want: codec.DecryptFailedPlaceholder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.DecryptPrivate(ctx, "bob", tt.payload))
		})
	}
}

func TestSignalPayloadWithoutEngine(t *testing.T) {
	c := codec.New(nil, sharedKey)
	p := model.EncryptedPayload{Version: model.VersionSignal, Data: "AAAA", Type: 3}
	assert.Equal(t, codec.DecryptFailedPlaceholder, c.DecryptPrivate(context.Background(), "bob", p.Encode()))
}

func TestGroupUsesSharedKey(t *testing.T) {
	c := codec.New(failingSessions{}, sharedKey)
	p, err := c.EncryptGroup("room message")
	require.NoError(t, err)
	assert.Equal(t, model.VersionLegacy, p.Version)

	other := codec.New(nil, sharedKey)
	assert.Equal(t, "room message", other.DecryptGroup(p.Encode()))
	assert.Equal(t, "room message", other.DecryptGroup(p.Data))
}
