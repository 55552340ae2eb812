// Package securekv is a namespaced encrypted key-value store for non-critical
// caches. Entries are sealed under a key supplied at runtime; reads of
// entries that cannot be decrypted degrade to a miss.
package securekv

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/walletcore/symmetric"
)

// ErrKeyNotSet is returned by reads and writes while the store is locked
var ErrKeyNotSet = errors.New("secure kv: encryption key not set")

// Store is one namespace over an Engine. The zero value is not usable; call New.
type Store struct {
	id        string
	namespace string
	engine    Engine
	keyMAC    []byte

	key []byte
	mu  sync.RWMutex
}

// New creates a locked store for namespace.
func New(namespace string, engine Engine) *Store {
	return &Store{
		id:        uuid.NewString(),
		namespace: namespace,
		engine:    engine,
		keyMAC:    []byte("securekv/" + namespace),
	}
}

// ID identifies this instance in logs
func (s *Store) ID() string { return s.id }

// Namespace returns the namespace the store was created for
func (s *Store) Namespace() string { return s.namespace }

// Unlock sets the active encryption key. The key is copied.
func (s *Store) Unlock(key []byte) error {
	if len(key) == 0 {
		return symmetric.ErrEmptyKey
	}

	k := make([]byte, len(key))
	copy(k, key)

	s.mu.Lock()
	symmetric.Zero(s.key)
	s.key = k
	s.mu.Unlock()

	log.Debug().Str("namespace", s.namespace).Str("instance", s.id).Msg("Secure store unlocked")
	return nil
}

// Lock clears the active key.
func (s *Store) Lock() {
	s.mu.Lock()
	symmetric.Zero(s.key)
	s.key = nil
	s.mu.Unlock()
}

// IsUnlocked reports whether an active key is set
func (s *Store) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key != nil
}

// ItemExists reports whether an entry is stored under key, regardless of
// whether the active key can decrypt it. Engine read failures count as absent.
func (s *Store) ItemExists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return false, ErrKeyNotSet
	}

	_, ok, err := s.engine.GetString(ctx, s.storageKey(key))
	if err != nil {
		log.Warn().Err(err).Str("namespace", s.namespace).Msg("Failed to check cached item, treating as absent")
		return false, nil
	}
	return ok, nil
}

// SetItem encrypts value under the active key and stores it.
func (s *Store) SetItem(ctx context.Context, key string, value any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return ErrKeyNotSet
	}

	ct, err := symmetric.Encrypt(value, s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt item: %w", err)
	}
	if err := s.engine.Set(ctx, s.storageKey(key), base64.StdEncoding.EncodeToString(ct)); err != nil {
		return fmt.Errorf("failed to store item: %w", err)
	}
	return nil
}

// RemoveItem deletes the entry under key.
func (s *Store) RemoveItem(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return ErrKeyNotSet
	}

	if err := s.engine.Delete(ctx, s.storageKey(key)); err != nil {
		return fmt.Errorf("failed to remove item: %w", err)
	}
	return nil
}

// Reset wipes the namespace and clears the active key. It works while locked.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	symmetric.Zero(s.key)
	s.key = nil
	s.mu.Unlock()

	if err := s.engine.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to reset namespace: %w", err)
	}
	log.Info().Str("namespace", s.namespace).Str("instance", s.id).Msg("Secure store reset")
	return nil
}

// GetItem returns the decrypted value under key. A missing entry, an engine
// read error or an entry that fails to decrypt all report found=false; only a
// locked store returns an error.
func GetItem[T any](ctx context.Context, s *Store, key string) (T, bool, error) {
	var zero T

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return zero, false, ErrKeyNotSet
	}

	raw, ok, err := s.engine.GetString(ctx, s.storageKey(key))
	if err != nil {
		log.Warn().Err(err).Str("namespace", s.namespace).Msg("Failed to read cached item, treating as miss")
		return zero, false, nil
	}
	if !ok {
		return zero, false, nil
	}

	ct, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		log.Warn().Err(err).Str("namespace", s.namespace).Msg("Cached item is malformed, treating as miss")
		return zero, false, nil
	}

	v, err := symmetric.Decrypt[T](ct, s.key)
	if err != nil {
		log.Warn().Err(err).Str("namespace", s.namespace).Msg("Failed to decrypt cached item, treating as miss")
		return zero, false, nil
	}
	return v, true, nil
}

// storageKey maps a caller key into the namespace. The derivation depends
// only on the namespace so presence checks survive a key change.
func (s *Store) storageKey(key string) string {
	mac := hmac.New(sha256.New, s.keyMAC)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}
