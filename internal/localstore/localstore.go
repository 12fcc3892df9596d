// Package localstore is the string-keyed durable store a POS device keeps its
// held orders in.
package localstore

import (
	"context"
	"sync"
)

type Store interface {
	// Read returns the stored value and whether the key exists.
	Read(ctx context.Context, key string) (string, bool, error)
	Write(ctx context.Context, key string, value string) error
}

type Memory struct {
	mu     sync.RWMutex
	values map[string]string
	// FailWrites, when set, is returned by every Write.
	FailWrites error
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Read(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Write(_ context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.values[key] = value
	return nil
}
