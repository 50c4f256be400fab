package storage

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
)

// Memory - KV в памяти процесса. Используется в тестах и для временных миров.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemory создаёт пустое хранилище в памяти.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get реализует KV.
func (m *Memory) Get(_ context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

// Put реализует KV.
func (m *Memory) Put(_ context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[string(key)] = bytes.Clone(value)
	return nil
}

// Delete реализует KV.
func (m *Memory) Delete(_ context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, string(key))
	return nil
}

// Scan реализует KV. Обход идёт по снимку ключей.
func (m *Memory) Scan(ctx context.Context, prefix []byte, fn func(key []byte) bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	p := string(prefix)
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	slices.Sort(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn([]byte(k)) {
			return nil
		}
	}
	return nil
}

// Len возвращает число ключей.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close реализует KV.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
