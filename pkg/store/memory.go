// Copyright 2024-2026 Aiku AI

package store

import "sync"

// Memory is an in-process Store. It is used in tests and as a fallback
// when no database path is configured.
type Memory struct {
	mu    sync.RWMutex
	raw   map[string]string
	lists map[string][]string
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		raw:   make(map[string]string),
		lists: make(map[string][]string),
	}
}

func (m *Memory) GetList(key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := m.lists[key]
	cp := make([]string, len(values))
	copy(cp, values)
	return cp, nil
}

func (m *Memory) SetList(key string, values []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(values) == 0 {
		delete(m.lists, key)
		return nil
	}
	cp := make([]string, len(values))
	copy(cp, values)
	m.lists[key] = cp
	return nil
}

func (m *Memory) GetRaw(key, def string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.raw[key]; ok {
		return v, nil
	}
	return def, nil
}

func (m *Memory) SetRaw(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.raw, key)
	delete(m.lists, key)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
