package server

import (
	"context"
	"sync"

	"e2e_messaging/internal/model"
)

// MemoryDirectory is a KeyDirectory for local runs without MongoDB.
type MemoryDirectory struct {
	mu    sync.Mutex
	users map[string]*model.KeyUpload
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]*model.KeyUpload)}
}

func (d *MemoryDirectory) Upsert(_ context.Context, u *model.KeyUpload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *u
	cp.PreKeys = append([]model.PublicPreKey(nil), u.PreKeys...)
	d.users[u.UserID] = &cp
	return nil
}

func (d *MemoryDirectory) FetchBundle(_ context.Context, userID string) (*model.PreKeyBundle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, nil
	}
	b := &model.PreKeyBundle{
		UserID:         u.UserID,
		RegistrationID: u.RegistrationID,
		IdentityKey:    u.IdentityKey,
		SigningKey:     u.SigningKey,
		SignedPreKey:   u.SignedPreKey,
	}
	if len(u.PreKeys) > 0 {
		pk := u.PreKeys[0]
		u.PreKeys = u.PreKeys[1:]
		b.OneTimePreKey = &pk
	}
	return b, nil
}

func (d *MemoryDirectory) AddPreKeys(_ context.Context, userID string, pks []model.PublicPreKey) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return false, nil
	}
	u.PreKeys = append(u.PreKeys, pks...)
	return true, nil
}

func (d *MemoryDirectory) Count(_ context.Context, userID string) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[userID]; ok {
		return len(u.PreKeys), true, nil
	}
	return 0, false, nil
}

// MemoryQueue is an OfflineQueue for local runs without Redis.
type MemoryQueue struct {
	mu   sync.Mutex
	msgs map[string][]*model.Message
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{msgs: make(map[string][]*model.Message)}
}

func (q *MemoryQueue) Push(_ context.Context, to string, m *model.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs[to] = append(q.msgs[to], m)
	return nil
}

func (q *MemoryQueue) Drain(_ context.Context, to string) ([]*model.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.msgs[to]
	delete(q.msgs, to)
	return out, nil
}

func (q *MemoryQueue) Len(to string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs[to])
}
