package securekv

import (
	"context"
	"sync"
)

// Engine is the local key-value engine behind a Store. It stores opaque
// strings and knows nothing about encryption.
type Engine interface {
	// GetString returns the value and whether it was present.
	GetString(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// ClearAll removes every entry the engine holds.
	ClearAll(ctx context.Context) error
}

// MemoryEngine is an Engine backed by a map.
type MemoryEngine struct {
	data map[string]string
	mu   sync.RWMutex
}

// NewMemoryEngine creates an empty in-memory engine
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{data: make(map[string]string)}
}

func (m *MemoryEngine) GetString(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryEngine) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryEngine) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryEngine) ClearAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data = make(map[string]string)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries
func (m *MemoryEngine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
