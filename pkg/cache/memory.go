package cache

import (
	"context"
	"sync"
)

// MemoryIndex is an in-process Index. SetUnavailable simulates an outage.
type MemoryIndex struct {
	mu          sync.RWMutex
	entries     map[string]string
	unavailable bool
	markFails   bool

	exists int
	marks  int
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]string)}
}

// SetUnavailable makes every call fail with ErrCacheUnavailable
func (m *MemoryIndex) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

// SetMarkFails makes only Mark fail, leaving Exists working
func (m *MemoryIndex) SetMarkFails(fail bool) {
	m.mu.Lock()
	m.markFails = fail
	m.mu.Unlock()
}

func (m *MemoryIndex) Exists(ctx context.Context, hash, field string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists++
	if m.unavailable {
		return false, ErrCacheUnavailable
	}
	_, ok := m.entries[Key(hash, field)]
	return ok, nil
}

func (m *MemoryIndex) Mark(ctx context.Context, hash, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks++
	if m.unavailable || m.markFails {
		return ErrCacheUnavailable
	}
	m.entries[Key(hash, field)] = value
	return nil
}

// Len returns the number of marked entries
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Calls returns how many Exists and Mark calls have been made
func (m *MemoryIndex) Calls() (exists, marks int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exists, m.marks
}
