package keys

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2e_messaging/internal/config"
	"e2e_messaging/internal/cryptographic/dh"
	"e2e_messaging/internal/cryptographic/signature"
	"e2e_messaging/internal/keystore"
	"e2e_messaging/internal/metrics"
	"e2e_messaging/internal/model"
	"e2e_messaging/internal/protocol/fingerprint"
	"e2e_messaging/internal/utils/log"

	"go.uber.org/zap"
)

const (
	identityKey     = "identity"
	signedPreKeyKey = "signed_prekey/"
	currentSPKKey   = "signed_prekey/current"
	preKeyPoolKey   = "prekeys"
	trustedKey      = "trusted/"

	maxRegistrationID = 16380
)

var (
	ErrNoIdentity     = errors.New("no local identity; call EnsureKeysExist first")
	ErrUnknownPreKey  = errors.New("unknown prekey id")
	ErrNoSignedPreKey = errors.New("no active signed prekey")
)

type (
	identityRecord struct {
		KeyPair        model.IdentityKeyPair
		RegistrationID uint32
		CreatedAt      time.Time
	}

	// preKeyPool is stored as one record so an append or a removal is a
	// single write. NextID never goes down, so consumed ids are not reused.
	preKeyPool struct {
		NextID uint32
		Keys   []model.OneTimePreKey
	}

	trustedIdentity struct {
		IdentityKey []byte
		FirstSeen   time.Time
		UpdatedAt   time.Time
	}

	Options struct {
		InitialPreKeys int
		BatchSize      int
		MinPreKeys     int
	}

	Manager struct {
		userID string
		store  *keystore.Store
		dist   Distributor
		opts   Options

		// guards read-modify-write of the prekey pool
		mu sync.Mutex
	}
)

func OptionsFromConfig(c config.Keys) Options {
	return Options{InitialPreKeys: c.InitialPreKeys, BatchSize: c.BatchSize, MinPreKeys: c.MinPreKeys}
}

func DefaultOptions() Options {
	return Options{InitialPreKeys: 100, BatchSize: 100, MinPreKeys: 10}
}

func NewManager(userID string, store *keystore.Store, dist Distributor, opts Options) *Manager {
	return &Manager{userID: userID, store: store, dist: dist, opts: opts}
}

func (m *Manager) UserID() string {
	return m.userID
}

// EnsureKeysExist generates and publishes a full key set on a fresh device,
// otherwise tops up the one-time prekey pool. It reports whether a new
// identity was created.
func (m *Manager) EnsureKeysExist(ctx context.Context) (bool, error) {
	var id identityRecord
	ok, err := m.store.GetObject(ctx, identityKey, &id)
	if err != nil {
		return false, err
	}
	if ok {
		if _, err := m.ReplenishIfLow(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := m.generate(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ResetKeys wipes every key and session of this device and starts over.
// All existing sessions with all peers stop working.
func (m *Manager) ResetKeys(ctx context.Context) error {
	m.mu.Lock()
	err := m.store.Clear(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	log.Warn("local keys reset", zap.String("user", m.userID))
	return m.generate(ctx)
}

func (m *Manager) generate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := newIdentity()
	if err != nil {
		return err
	}
	spk, err := newSignedPreKey(1, &id.KeyPair)
	if err != nil {
		return err
	}
	pool := preKeyPool{NextID: 1}
	if err := pool.grow(m.opts.InitialPreKeys); err != nil {
		return err
	}

	// private material is durable before anything is published
	if err := m.store.PutObject(ctx, identityKey, id); err != nil {
		return err
	}
	if err := m.store.PutObject(ctx, spkKey(spk.ID), spk); err != nil {
		return err
	}
	if err := m.store.PutObject(ctx, currentSPKKey, spk.ID); err != nil {
		return err
	}
	if err := m.store.PutObject(ctx, preKeyPoolKey, pool); err != nil {
		return err
	}
	metrics.PreKeysGenerated.Add(float64(len(pool.Keys)))

	if err := m.publish(ctx, id, spk, &pool); err != nil {
		return err
	}

	log.Info("generated key set",
		zap.String("user", m.userID),
		zap.Uint32("registration_id", id.RegistrationID),
		zap.Int("prekeys", len(pool.Keys)))
	return nil
}

func (m *Manager) publish(ctx context.Context, id *identityRecord, spk *model.SignedPreKey, pool *preKeyPool) error {
	upload := &model.KeyUpload{
		UserID:         m.userID,
		RegistrationID: id.RegistrationID,
		IdentityKey:    append([]byte(nil), id.KeyPair.DHPub[:]...),
		SigningKey:     append([]byte(nil), id.KeyPair.SignPub...),
		SignedPreKey:   spk.Public(),
		PreKeys:        pool.publics(0),
	}
	if err := m.dist.PublishKeys(ctx, upload); err != nil {
		return fmt.Errorf("publish keys: %w", err)
	}
	return nil
}

// republish uploads the stored key set again, for a directory that has
// lost it.
func (m *Manager) republish(ctx context.Context) error {
	var id identityRecord
	ok, err := m.store.GetObject(ctx, identityKey, &id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoIdentity
	}
	spk, err := m.CurrentSignedPreKey(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pool, err := m.loadPool(ctx)
	if err != nil {
		return err
	}
	if err := m.publish(ctx, &id, spk, pool); err != nil {
		return err
	}
	log.Warn("directory had no keys for this device, published them again",
		zap.String("user", m.userID), zap.Int("prekeys", len(pool.Keys)))
	return nil
}

// ReplenishIfLow runs ReplenishPreKeys when fewer than MinPreKeys one-time
// prekeys remain, locally or in the directory. The directory hands out a
// key on every bundle fetch, even when no message follows, so it can run
// out before the local pool does.
func (m *Manager) ReplenishIfLow(ctx context.Context) (int, error) {
	local, err := m.PreKeyCount(ctx)
	if err != nil {
		return 0, err
	}

	published, err := m.dist.PreKeyCount(ctx, m.userID)
	switch {
	case errors.Is(err, ErrNoPublishedKeys):
		if err := m.republish(ctx); err != nil {
			return 0, err
		}
		published = local
	case err != nil:
		return 0, fmt.Errorf("count published prekeys: %w", err)
	}

	if min(local, published) >= m.opts.MinPreKeys {
		return 0, nil
	}
	log.Info("prekeys low", zap.String("user", m.userID), zap.Int("local", local), zap.Int("published", published))
	return m.ReplenishPreKeys(ctx)
}

// ReplenishPreKeys appends a batch of new one-time prekeys, continuing the id
// sequence, and publishes only the new public keys.
func (m *Manager) ReplenishPreKeys(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, err := m.loadPool(ctx)
	if err != nil {
		return 0, err
	}
	before := len(pool.Keys)
	if err := pool.grow(m.opts.BatchSize); err != nil {
		return 0, err
	}
	if err := m.store.PutObject(ctx, preKeyPoolKey, pool); err != nil {
		return 0, err
	}
	metrics.PreKeysGenerated.Add(float64(m.opts.BatchSize))

	if err := m.dist.PublishAdditionalPreKeys(ctx, m.userID, pool.publics(before)); err != nil {
		return 0, fmt.Errorf("publish prekeys: %w", err)
	}
	log.Info("replenished prekeys", zap.String("user", m.userID), zap.Int("pool", len(pool.Keys)))
	return m.opts.BatchSize, nil
}

func (m *Manager) PreKeyCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, err := m.loadPool(ctx)
	if err != nil {
		return 0, err
	}
	return len(pool.Keys), nil
}

func (m *Manager) PreKeyIDs(ctx context.Context) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, err := m.loadPool(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, len(pool.Keys))
	for i, k := range pool.Keys {
		ids[i] = k.ID
	}
	return ids, nil
}

func (m *Manager) OneTimePreKey(ctx context.Context, id uint32) (*model.OneTimePreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, err := m.loadPool(ctx)
	if err != nil {
		return nil, err
	}
	for i := range pool.Keys {
		if pool.Keys[i].ID == id {
			k := pool.Keys[i]
			return &k, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownPreKey, id)
}

// RemoveOneTimePreKey deletes a consumed prekey. Removing an id that is
// already gone is not an error.
func (m *Manager) RemoveOneTimePreKey(ctx context.Context, id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, err := m.loadPool(ctx)
	if err != nil {
		return err
	}
	for i := range pool.Keys {
		if pool.Keys[i].ID == id {
			pool.Keys = append(pool.Keys[:i], pool.Keys[i+1:]...)
			return m.store.PutObject(ctx, preKeyPoolKey, pool)
		}
	}
	return nil
}

func (m *Manager) Identity(ctx context.Context) (*model.IdentityKeyPair, uint32, error) {
	var id identityRecord
	ok, err := m.store.GetObject(ctx, identityKey, &id)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, ErrNoIdentity
	}
	return &id.KeyPair, id.RegistrationID, nil
}

func (m *Manager) SignedPreKey(ctx context.Context, id uint32) (*model.SignedPreKey, error) {
	var spk model.SignedPreKey
	ok, err := m.store.GetObject(ctx, spkKey(id), &spk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: signed %d", ErrUnknownPreKey, id)
	}
	return &spk, nil
}

func (m *Manager) CurrentSignedPreKey(ctx context.Context) (*model.SignedPreKey, error) {
	var id uint32
	ok, err := m.store.GetObject(ctx, currentSPKKey, &id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSignedPreKey
	}
	return m.SignedPreKey(ctx, id)
}

// SaveTrustedIdentity records the identity key seen for peerID. changed is
// true when it replaces a different key trusted earlier.
func (m *Manager) SaveTrustedIdentity(ctx context.Context, peerID string, key []byte) (bool, error) {
	var rec trustedIdentity
	found, err := m.store.GetObject(ctx, trustedKey+peerID, &rec)
	if err != nil {
		return false, err
	}
	if found && bytes.Equal(rec.IdentityKey, key) {
		return false, nil
	}

	now := time.Now().UTC()
	if !found {
		rec.FirstSeen = now
	}
	rec.IdentityKey = append([]byte(nil), key...)
	rec.UpdatedAt = now
	if err := m.store.PutObject(ctx, trustedKey+peerID, rec); err != nil {
		return false, err
	}
	return found, nil
}

func (m *Manager) TrustedIdentity(ctx context.Context, peerID string) ([]byte, bool, error) {
	var rec trustedIdentity
	found, err := m.store.GetObject(ctx, trustedKey+peerID, &rec)
	if err != nil || !found {
		return nil, false, err
	}
	return rec.IdentityKey, true, nil
}

// SafetyNumber renders the fingerprint of this device's identity and the
// remote identity. Both sides compute the same string.
func (m *Manager) SafetyNumber(ctx context.Context, localID, remoteID string, remoteIdentityKey []byte) (string, error) {
	id, _, err := m.Identity(ctx)
	if err != nil {
		return "", err
	}
	return fingerprint.SafetyNumber(localID, id.DHPub[:], remoteID, remoteIdentityKey)
}

func (m *Manager) loadPool(ctx context.Context) (*preKeyPool, error) {
	var pool preKeyPool
	ok, err := m.store.GetObject(ctx, preKeyPoolKey, &pool)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoIdentity
	}
	return &pool, nil
}

func (p *preKeyPool) grow(n int) error {
	next := p.NextID
	for _, k := range p.Keys {
		if k.ID >= next {
			next = k.ID + 1
		}
	}
	if next == 0 {
		next = 1
	}

	for i := 0; i < n; i++ {
		priv, pub, err := dh.NewX25519KeyPair()
		if err != nil {
			return err
		}
		p.Keys = append(p.Keys, model.OneTimePreKey{ID: next, Priv: priv, Pub: pub})
		next++
	}
	p.NextID = next
	return nil
}

func (p *preKeyPool) publics(from int) []model.PublicPreKey {
	out := make([]model.PublicPreKey, 0, len(p.Keys)-from)
	for i := from; i < len(p.Keys); i++ {
		out = append(out, p.Keys[i].Public())
	}
	return out
}

func newIdentity() (*identityRecord, error) {
	dhPriv, dhPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}
	regID, err := newRegistrationID()
	if err != nil {
		return nil, err
	}
	return &identityRecord{
		KeyPair: model.IdentityKeyPair{
			DHPriv:   dhPriv,
			DHPub:    dhPub,
			SignPriv: signPriv,
			SignPub:  signPub,
		},
		RegistrationID: regID,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func newSignedPreKey(id uint32, identity *model.IdentityKeyPair) (*model.SignedPreKey, error) {
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &model.SignedPreKey{
		ID:        id,
		Priv:      priv,
		Pub:       pub,
		Signature: signature.ED25519Sign(identity.SignPriv, pub[:]),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func newRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:])%maxRegistrationID + 1, nil
}

func spkKey(id uint32) string {
	return fmt.Sprintf("%s%d", signedPreKeyKey, id)
}
