package storage

import (
	"sync"

	"github.com/ctring/detock/go/txn"
)

// Memory is an in-memory Store backed by a mutex-guarded map, used by tests
// and the temp-data-plane local dev mode, mirroring the teacher's pattern of
// pairing a production store with an in-memory test double.
type Memory struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]Record)}
}

func (m *Memory) Get(key txn.Key) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[string(key)]
	return rec, ok, nil
}

func (m *Memory) Put(key txn.Key, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = rec
	return nil
}

func (m *Memory) Close() error { return nil }
