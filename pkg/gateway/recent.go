package gateway

import (
	"sync"
	"time"

	"github.com/gloomyglyph/FAAS/pkg/types"
)

// recentResults remembers detections for hashes inferred in the last ttl,
// covering the window between inference and the persistence worker
// marking the dedup index.
type recentResults struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]recentEntry
	order   []string
	now     func() time.Time
}

type recentEntry struct {
	detections []types.Detection
	at         time.Time
}

func newRecentResults(ttl time.Duration, max int) *recentResults {
	return &recentResults{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]recentEntry),
		now:     time.Now,
	}
}

func (r *recentResults) get(hash string) ([]types.Detection, bool) {
	if r.ttl <= 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[hash]
	if !ok || r.now().Sub(e.at) > r.ttl {
		return nil, false
	}
	return e.detections, true
}

func (r *recentResults) put(hash string, detections []types.Detection) {
	if r.ttl <= 0 || r.max <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[hash]; !ok {
		r.order = append(r.order, hash)
	}
	r.entries[hash] = recentEntry{detections: detections, at: r.now()}

	for len(r.order) > r.max {
		delete(r.entries, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *recentResults) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
