package store

import (
	"context"
	"sync"
)

// MemoryKV is an in-process KV used for tab-scoped (ephemeral) state.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Put stores a copy of value under key.
func (m *MemoryKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// scopedKV prefixes every key, partitioning a shared KV.
type scopedKV struct {
	kv     KV
	prefix string
}

// Scoped returns a view of kv whose keys are namespaced by prefix.
func Scoped(kv KV, prefix string) KV {
	return &scopedKV{kv: kv, prefix: prefix + ":"}
}

func (s *scopedKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.kv.Get(ctx, s.prefix+key)
}

func (s *scopedKV) Put(ctx context.Context, key string, value []byte) error {
	return s.kv.Put(ctx, s.prefix+key, value)
}

func (s *scopedKV) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, s.prefix+key)
}
