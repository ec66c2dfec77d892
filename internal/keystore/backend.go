package keystore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"e2e_messaging/internal/config"
	"e2e_messaging/internal/service/redis"
	"e2e_messaging/internal/utils/log"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Backend is the raw byte storage under the encrypted store. Values handed to
// a backend are already sealed.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

var ErrStorageUnavailable = errors.New("keystore: durable storage unavailable")

// OpenBackend picks the storage variant once, at startup. rdb may be nil
// when no Redis is configured.
func OpenBackend(ctx context.Context, cfg config.KeyStore, userID string, rdb *redis.RedisService) (Backend, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryBackend(), nil
	case "bolt":
		b, err := OpenBoltBackend(cfg.Dir, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return b, nil
	case "redis":
		b, err := openRedis(ctx, rdb, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return b, nil
	}

	b, err := OpenBoltBackend(cfg.Dir, userID)
	if err == nil {
		return b, nil
	}
	log.Warn("bolt keystore unavailable, trying redis", zap.String("dir", cfg.Dir), zap.Error(err))

	r, rerr := openRedis(ctx, rdb, userID)
	if rerr == nil {
		return r, nil
	}
	return nil, fmt.Errorf("%w: bolt: %v; redis: %v", ErrStorageUnavailable, err, rerr)
}

func openRedis(ctx context.Context, rdb *redis.RedisService, userID string) (*RedisBackend, error) {
	if rdb == nil {
		return nil, errors.New("redis not configured")
	}
	if err := rdb.Ping(ctx); err != nil {
		return nil, err
	}
	return NewRedisBackend(rdb, userID), nil
}

type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryBackend) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

const boltBucket = "keystore"

// BoltBackend keeps one bbolt file per local user.
type BoltBackend struct {
	db *bolt.DB
}

func OpenBoltBackend(dir, userID string) (*BoltBackend, error) {
	if dir == "" {
		return nil, errors.New("no keystore directory configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	db, err := bolt.Open(filepath.Join(dir, userID+".db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(boltBucket)).Get([]byte(key)); v != nil {
			// bolt memory is only valid inside the transaction
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (b *BoltBackend) Put(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(key), value)
	})
}

func (b *BoltBackend) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(key))
	})
}

func (b *BoltBackend) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// RedisBackend namespaces every key by local user.
type RedisBackend struct {
	rdb    *redis.RedisService
	prefix string
}

func NewRedisBackend(rdb *redis.RedisService, userID string) *RedisBackend {
	return &RedisBackend{rdb: rdb, prefix: "keystore:" + userID + ":"}
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.rdb.GetBytes(ctx, r.prefix+key)
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisBackend) Put(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, r.prefix+key, value, 0)
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key)
}

func (r *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.rdb.ScanKeys(ctx, r.prefix+"*")
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, r.prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisBackend) Close() error {
	return nil
}
