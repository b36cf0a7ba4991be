package kvstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store used by tests and single-host demos.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, channel, field string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.data[channel]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := fields[field]
	if !ok || len(v) == 0 {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Patch(ctx context.Context, channel, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.data[channel]
	if !ok {
		fields = make(map[string][]byte)
		m.data[channel] = fields
	}
	fields[field] = append([]byte(nil), value...)
	return nil
}
