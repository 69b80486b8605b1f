package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gloomyglyph/FAAS/pkg/types"
)

// MemoryStore is an in-process Store with fault injection for tests and
// the STORE_BACKEND=memory mode.
type MemoryStore struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	seen      map[string]int
	records   []Record
	down      bool
	failNext  int
	blobPuts  int
	failCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		seen:  make(map[string]int),
	}
}

// SetUnavailable makes every call fail with ErrStoreUnavailable
func (m *MemoryStore) SetUnavailable(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

// FailNext makes the next n calls fail with ErrStoreUnavailable
func (m *MemoryStore) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

func (m *MemoryStore) fault() bool {
	if m.down {
		m.failCalls++
		return true
	}
	if m.failNext > 0 {
		m.failNext--
		m.failCalls++
		return true
	}
	return false
}

func (m *MemoryStore) PutBlobIfAbsent(ctx context.Context, hash string, data []byte) (BlobRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault() {
		return "", ErrStoreUnavailable
	}
	if _, ok := m.blobs[hash]; !ok {
		m.blobs[hash] = append([]byte(nil), data...)
		m.blobPuts++
	}
	return BlobRef("memory/" + hash), nil
}

func (m *MemoryStore) InsertResult(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault() {
		return ErrStoreUnavailable
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.records = append(m.records, *r)
	m.seen[r.ContentHash]++
	return nil
}

func (m *MemoryStore) FindBlob(ctx context.Context, hash string) (BlobRef, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault() {
		return "", false, ErrStoreUnavailable
	}
	if _, ok := m.blobs[hash]; !ok {
		return "", false, nil
	}
	return BlobRef("memory/" + hash), true, nil
}

func (m *MemoryStore) BlobSeenCount(ctx context.Context, hash string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[hash], nil
}

// BlobCount is the number of distinct blobs stored
func (m *MemoryStore) BlobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

// BlobWrites is how many times a blob was actually written
func (m *MemoryStore) BlobWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobPuts
}

// Records returns the records for (hash, kind); empty hash matches all
func (m *MemoryStore) Records(hash string, kind types.BackendKind) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if hash != "" && r.ContentHash != hash {
			continue
		}
		if kind != "" && r.Kind != kind {
			continue
		}
		out = append(out, r)
	}
	return out
}

// FailedCalls counts calls rejected by fault injection
func (m *MemoryStore) FailedCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCalls
}
