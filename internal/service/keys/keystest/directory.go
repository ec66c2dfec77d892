// Package keystest provides an in-memory key distribution service for tests.
package keystest

import (
	"context"
	"sync"

	"e2e_messaging/internal/model"
	"e2e_messaging/internal/service/keys"
)

type entry struct {
	upload  model.KeyUpload
	preKeys []model.PublicPreKey
}

// Directory behaves like the server: every bundle fetch hands out and
// removes one one-time prekey.
type Directory struct {
	mu      sync.Mutex
	users   map[string]*entry
	handed  map[string][]uint32
	FailErr error

	PublishCalls    int
	AdditionalCalls int
	LastAdditional  []model.PublicPreKey
}

func NewDirectory() *Directory {
	return &Directory{
		users:  make(map[string]*entry),
		handed: make(map[string][]uint32),
	}
}

func (d *Directory) PublishKeys(_ context.Context, upload *model.KeyUpload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailErr != nil {
		return d.FailErr
	}
	d.PublishCalls++
	d.users[upload.UserID] = &entry{
		upload:  *upload,
		preKeys: append([]model.PublicPreKey(nil), upload.PreKeys...),
	}
	return nil
}

func (d *Directory) FetchPreKeyBundle(_ context.Context, peerID string) (*model.PreKeyBundle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailErr != nil {
		return nil, d.FailErr
	}
	e, ok := d.users[peerID]
	if !ok {
		return nil, keys.ErrNoPublishedKeys
	}

	b := &model.PreKeyBundle{
		UserID:         peerID,
		RegistrationID: e.upload.RegistrationID,
		IdentityKey:    e.upload.IdentityKey,
		SigningKey:     e.upload.SigningKey,
		SignedPreKey:   e.upload.SignedPreKey,
	}
	if len(e.preKeys) > 0 {
		pk := e.preKeys[0]
		e.preKeys = e.preKeys[1:]
		b.OneTimePreKey = &pk
		d.handed[peerID] = append(d.handed[peerID], pk.ID)
	}
	return b, nil
}

func (d *Directory) PublishAdditionalPreKeys(_ context.Context, userID string, preKeys []model.PublicPreKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailErr != nil {
		return d.FailErr
	}
	e, ok := d.users[userID]
	if !ok {
		return keys.ErrNoPublishedKeys
	}
	d.AdditionalCalls++
	d.LastAdditional = append([]model.PublicPreKey(nil), preKeys...)
	e.preKeys = append(e.preKeys, preKeys...)
	return nil
}

func (d *Directory) PreKeyCount(_ context.Context, userID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailErr != nil {
		return 0, d.FailErr
	}
	e, ok := d.users[userID]
	if !ok {
		return 0, keys.ErrNoPublishedKeys
	}
	return len(e.preKeys), nil
}

// Forget drops everything published for userID.
func (d *Directory) Forget(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, userID)
}

// Available returns the ids the directory can still hand out for userID.
func (d *Directory) Available(userID string) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.users[userID]
	if !ok {
		return nil
	}
	ids := make([]uint32, len(e.preKeys))
	for i, pk := range e.preKeys {
		ids[i] = pk.ID
	}
	return ids
}

// Handed returns the ids already given out for userID, in order.
func (d *Directory) Handed(userID string) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.handed[userID]...)
}

// Drain discards all but keep of userID's unused prekeys.
func (d *Directory) Drain(userID string, keep int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.users[userID]; ok && len(e.preKeys) > keep {
		e.preKeys = e.preKeys[len(e.preKeys)-keep:]
	}
}
