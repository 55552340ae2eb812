package platform

import (
	"context"
	"sort"
	"sync"
)

type memoryItem struct {
	value        []byte
	authRequired bool
}

// MemoryStorage is an in-process SecureStorage. Gated items invoke the
// Authenticator on authenticated reads, mirroring keychain access control.
//
// The hook fields inject faults for tests; a non-nil error from a hook aborts
// the operation before any state changes.
type MemoryStorage struct {
	auth  Authenticator
	items map[string]memoryItem
	mu    sync.RWMutex

	GetHook    func(key string, opts Options) error
	SetHook    func(key string, opts Options) error
	DeleteHook func(key string) error
}

// NewMemoryStorage creates an empty store. auth may be nil, in which case
// gated items can be written but never read.
func NewMemoryStorage(auth Authenticator) *MemoryStorage {
	return &MemoryStorage{
		auth:  auth,
		items: make(map[string]memoryItem),
	}
}

func (m *MemoryStorage) Get(ctx context.Context, key string, opts Options) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.GetHook != nil {
		if err := m.GetHook(key, opts); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	if item.authRequired {
		if !opts.RequireAuthentication {
			return nil, ErrAuthenticationRequired
		}
		if m.auth == nil {
			return nil, ErrAuthenticationUnavailable
		}
		// The challenge runs without holding the lock
		if err := m.auth.Authenticate(ctx, opts.Prompt); err != nil {
			return nil, ErrAuthenticationFailed
		}
	}

	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

func (m *MemoryStorage) Set(ctx context.Context, key string, opts Options, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.SetHook != nil {
		if err := m.SetHook(key, opts); err != nil {
			return err
		}
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	m.items[key] = memoryItem{value: stored, authRequired: opts.RequireAuthentication}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.DeleteHook != nil {
		if err := m.DeleteHook(key); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Has reports whether key is present without any authentication.
func (m *MemoryStorage) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[key]
	return ok
}

// IsGated reports whether key was written with RequireAuthentication.
func (m *MemoryStorage) IsGated(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.items[key].authRequired
}

// Raw returns the stored bytes bypassing access control.
func (m *MemoryStorage) Raw(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[key]
	if !ok {
		return nil
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out
}

// Keys lists stored keys in sorted order.
func (m *MemoryStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
