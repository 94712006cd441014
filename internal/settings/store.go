// Package settings persists small opaque values grouped by scope. It backs the
// filename key and, in settings or mirrored storage mode, the authoritative
// copy of every connection.
package settings

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("settings store closed")
	// ErrInvalidScope is returned for an empty scope.
	ErrInvalidScope = errors.New("settings scope is required")
)

// Store is a scoped key/value store.
type Store interface {
	// Get returns the stored value and whether it exists.
	Get(ctx context.Context, scope, key string) ([]byte, bool, error)
	Set(ctx context.Context, scope, key string, value []byte) error
	// Unset removes a key. Missing keys are not an error.
	Unset(ctx context.Context, scope, key string) error
	// UnsetPrefix removes every key in scope that starts with prefix and
	// reports how many were removed. An empty prefix clears the scope.
	UnsetPrefix(ctx context.Context, scope, prefix string) (int, error)
	Close(ctx context.Context) error
}

func validateScope(scope string) error {
	if strings.TrimSpace(scope) == "" {
		return ErrInvalidScope
	}
	return nil
}

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, scope, key string) ([]byte, bool, error) {
	if err := validateScope(scope); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	value, ok := m.data[scope][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *MemoryStore) Set(_ context.Context, scope, key string, value []byte) error {
	if err := validateScope(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	bucket, ok := m.data[scope]
	if !ok {
		bucket = make(map[string][]byte)
		m.data[scope] = bucket
	}
	bucket[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Unset(_ context.Context, scope, key string) error {
	if err := validateScope(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data[scope], key)
	return nil
}

func (m *MemoryStore) UnsetPrefix(_ context.Context, scope, prefix string) (int, error) {
	if err := validateScope(scope); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	removed := 0
	for key := range m.data[scope] {
		if strings.HasPrefix(key, prefix) {
			delete(m.data[scope], key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close(context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
