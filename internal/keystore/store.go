// Package keystore is the encrypted local store for identity keys, prekeys
// and session records.
//
// Values are sealed with a key derived from a device secret and a stored
// salt. This keeps key material unreadable to someone browsing the data
// directory or the Redis instance; it does not protect against code running
// inside the client process.
package keystore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"e2e_messaging/internal/cryptographic/encryption"
	"e2e_messaging/internal/cryptographic/kdf"

	"github.com/fxamacker/cbor/v2"
)

const (
	saltKey   = "__keystore/salt"
	saltSize  = 16
	keySize   = 32
	secretLen = 32
)

var (
	ErrCorruptEntry = errors.New("keystore: entry cannot be decrypted")
	ErrReservedKey  = errors.New("keystore: reserved key")
	ErrClosed       = errors.New("keystore: closed")
)

type Store struct {
	mu      sync.RWMutex
	backend Backend
	key     []byte
}

// Open derives the store key from entropy and the backend's salt record,
// creating the salt on first use.
func Open(ctx context.Context, backend Backend, entropy []byte, iterations int) (*Store, error) {
	if len(entropy) == 0 {
		return nil, errors.New("keystore: device entropy is empty")
	}

	salt, ok, err := backend.Get(ctx, saltKey)
	if err != nil {
		return nil, fmt.Errorf("%w: read salt: %v", ErrStorageUnavailable, err)
	}
	if ok && len(salt) != saltSize {
		// a new salt would make every stored entry unreadable
		return nil, fmt.Errorf("%w: salt record has %d bytes", ErrCorruptEntry, len(salt))
	}
	if !ok {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		if err := backend.Put(ctx, saltKey, salt); err != nil {
			return nil, fmt.Errorf("%w: write salt: %v", ErrStorageUnavailable, err)
		}
	}

	return &Store{
		backend: backend,
		key:     kdf.PBKDF2(entropy, salt, iterations, keySize),
	}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if key == saltKey {
		return ErrReservedKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return ErrClosed
	}

	sealed, err := encryption.AEADEncrypt(s.key, value, []byte(key))
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, key, sealed)
}

// Get returns found=false with a nil error for a missing key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == saltKey {
		return nil, false, ErrReservedKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, false, ErrClosed
	}

	sealed, ok, err := s.backend.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	plain, err := encryption.AEADDecrypt(s.key, sealed, []byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrCorruptEntry, key)
	}
	return plain, true, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if key == saltKey {
		return ErrReservedKey
	}
	return s.backend.Delete(ctx, key)
}

// ListKeys returns every stored key, optionally filtered by prefix.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if k != saltKey && strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Clear removes all entries. The salt stays so the derived key is unchanged.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.ListKeys(ctx, "")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.backend.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PutObject(ctx context.Context, key string, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("keystore: encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

func (s *Store) GetObject(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, key, err)
	}
	return true, nil
}

// Close wipes the derived key and closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
	return s.backend.Close()
}

// LoadDeviceSecret reads the per-device entropy file, creating it with
// fresh random bytes on first run.
func LoadDeviceSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err == nil && len(secret) == secretLen {
		return secret, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		return nil, fmt.Errorf("keystore: device secret %s has wrong size", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	secret = make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, err
	}
	return secret, nil
}
