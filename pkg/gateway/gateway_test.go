package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gloomyglyph/FAAS/pkg/cache"
	"github.com/gloomyglyph/FAAS/pkg/hasher"
	"github.com/gloomyglyph/FAAS/pkg/inference"
	"github.com/gloomyglyph/FAAS/pkg/persistence"
	"github.com/gloomyglyph/FAAS/pkg/store"
	"github.com/gloomyglyph/FAAS/pkg/types"
)

func testImage(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	img.Set(int(seed)%16, 3, color.RGBA{R: seed, G: 10, B: 20, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

type countingEngine struct {
	calls atomic.Int32
	delay time.Duration
	gate  chan struct{}
	dets  []types.Detection
	err   error
}

func (c *countingEngine) Infer(ctx context.Context, img image.Image) ([]types.Detection, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.dets, c.err
}

func oneFace() []types.Detection {
	return []types.Detection{{BBox: []float64{1, 1, 8, 8}, Age: 25, Gender: "female"}}
}

type recordingSink struct {
	mu    sync.Mutex
	tasks []types.Task
	err   error
}

func (s *recordingSink) Enqueue(task types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func TestIndexHitSkipsInference(t *testing.T) {
	data := testImage(t, 1)
	idx := cache.NewMemoryIndex()
	_ = idx.Mark(context.Background(), hasher.Hash(data), types.KindFace.Field(), "r1")

	engine := &countingEngine{dets: oneFace()}
	sink := &recordingSink{}
	g := New(DefaultConfig(types.KindFace), idx, engine, sink)

	resp := g.Receive(context.Background(), "a", data)
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if engine.calls.Load() != 0 || sink.count() != 0 {
		t.Fatalf("expected no inference and no handoff, got calls=%d tasks=%d", engine.calls.Load(), sink.count())
	}
}

func TestIndexIsPerBackend(t *testing.T) {
	data := testImage(t, 2)
	idx := cache.NewMemoryIndex()
	_ = idx.Mark(context.Background(), hasher.Hash(data), types.KindFace.Field(), "r1")

	engine := &countingEngine{dets: oneFace()}
	g := New(DefaultConfig(types.KindAgender), idx, engine, &recordingSink{})

	if resp := g.Receive(context.Background(), "a", data); !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if engine.calls.Load() != 1 {
		t.Fatalf("face entry must not satisfy agender, got %d calls", engine.calls.Load())
	}
}

func TestSameBytesTwiceInfersOnce(t *testing.T) {
	data := testImage(t, 3)
	engine := &countingEngine{dets: oneFace()}
	sink := &recordingSink{}
	g := New(DefaultConfig(types.KindFace), cache.NewMemoryIndex(), engine, sink)

	for _, id := range []string{"a", "b"} {
		if resp := g.Receive(context.Background(), id, data); !resp.Success {
			t.Fatalf("%s: expected success, got %+v", id, resp)
		}
	}
	if engine.calls.Load() != 1 {
		t.Fatalf("expected 1 inference, got %d", engine.calls.Load())
	}
	if sink.count() != 2 {
		t.Fatalf("expected a task per image_id, got %d", sink.count())
	}
}

func TestUndecodableBytesFailFast(t *testing.T) {
	engine := &countingEngine{dets: oneFace()}
	sink := &recordingSink{}
	g := New(DefaultConfig(types.KindFace), cache.NewMemoryIndex(), engine, sink)

	resp := g.Receive(context.Background(), "a", []byte("not an image"))
	if resp.Success || resp.ErrorMessage == "" {
		t.Fatalf("expected failure with message, got %+v", resp)
	}
	if engine.calls.Load() != 0 || sink.count() != 0 {
		t.Fatalf("expected no inference and no handoff")
	}
}

func TestNoDetectionsFails(t *testing.T) {
	engine := &countingEngine{}
	sink := &recordingSink{}
	g := New(DefaultConfig(types.KindFace), cache.NewMemoryIndex(), engine, sink)

	resp := g.Receive(context.Background(), "a", testImage(t, 4))
	if resp.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(resp.ErrorMessage, "no faces detected") {
		t.Fatalf("expected no-detections message, got %q", resp.ErrorMessage)
	}
	if sink.count() != 0 {
		t.Fatalf("expected no handoff")
	}
}

func TestBackendUnreachableFails(t *testing.T) {
	engine := &countingEngine{err: fmt.Errorf("%w: connection refused", inference.ErrBackendUnreachable)}
	g := New(DefaultConfig(types.KindAgender), cache.NewMemoryIndex(), engine, &recordingSink{})

	resp := g.Receive(context.Background(), "a", testImage(t, 5))
	if resp.Success || !strings.Contains(resp.ErrorMessage, "unreachable") {
		t.Fatalf("expected unreachable failure, got %+v", resp)
	}
}

func TestCacheDownFailsOpen(t *testing.T) {
	data := testImage(t, 6)
	idx := cache.NewMemoryIndex()
	idx.SetUnavailable(true)
	engine := &countingEngine{dets: oneFace()}
	cfg := DefaultConfig(types.KindFace)
	cfg.RecentTTL = 0
	sink := &recordingSink{}
	g := New(cfg, idx, engine, sink)

	for _, id := range []string{"a", "b"} {
		if resp := g.Receive(context.Background(), id, data); !resp.Success {
			t.Fatalf("expected success with cache down, got %+v", resp)
		}
	}
	if engine.calls.Load() != 2 {
		t.Fatalf("expected redundant inference while cache is down, got %d", engine.calls.Load())
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 tasks, got %d", sink.count())
	}
}

func TestHandoffFailureReported(t *testing.T) {
	sink := &recordingSink{err: persistence.ErrQueueFull}
	g := New(DefaultConfig(types.KindFace), cache.NewMemoryIndex(), &countingEngine{dets: oneFace()}, sink)

	resp := g.Receive(context.Background(), "a", testImage(t, 7))
	if resp.Success {
		t.Fatalf("expected failure when storage rejects the task")
	}
}

func TestEmptyImageIDRejected(t *testing.T) {
	engine := &countingEngine{dets: oneFace()}
	g := New(DefaultConfig(types.KindFace), cache.NewMemoryIndex(), engine, &recordingSink{})
	if resp := g.Receive(context.Background(), "", testImage(t, 8)); resp.Success {
		t.Fatalf("expected failure for empty image_id")
	}
	if engine.calls.Load() != 0 {
		t.Fatalf("expected no inference")
	}
}

func TestCallerTimeoutDoesNotCancelSharedInference(t *testing.T) {
	data := testImage(t, 9)
	engine := &countingEngine{dets: oneFace(), delay: 50 * time.Millisecond}
	sink := &recordingSink{}
	g := New(DefaultConfig(types.KindFace), cache.NewMemoryIndex(), engine, sink)

	var wg sync.WaitGroup
	var slow types.Response
	wg.Add(1)
	go func() {
		defer wg.Done()
		slow = g.Receive(context.Background(), "patient", data)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	fast := g.Receive(ctx, "impatient", data)
	wg.Wait()

	if fast.Success {
		t.Fatalf("expected timed out caller to fail")
	}
	if !slow.Success {
		t.Fatalf("expected other caller to succeed, got %+v", slow)
	}
	if engine.calls.Load() != 1 {
		t.Fatalf("expected 1 inference, got %d", engine.calls.Load())
	}
}

// Concurrent duplicates end to end: one inference, one blob, one record per image_id.
func TestConcurrentDuplicatesOneBlobManyRecords(t *testing.T) {
	data := testImage(t, 10)
	st := store.NewMemoryStore()
	idx := cache.NewMemoryIndex()
	q := persistence.New(persistence.Config{Workers: 2, Capacity: 32, MaxAttempts: 2, InitialBackoff: time.Millisecond}, st, idx)
	q.Start()

	engine := &countingEngine{dets: oneFace(), gate: make(chan struct{})}
	g := New(DefaultConfig(types.KindFace), idx, engine, q)

	const n = 8
	var wg sync.WaitGroup
	results := make([]types.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.Receive(context.Background(), fmt.Sprintf("img-%d", i), data)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(engine.gate)
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	for i, r := range results {
		if !r.Success {
			t.Fatalf("caller %d failed: %+v", i, r)
		}
	}
	if engine.calls.Load() != 1 {
		t.Fatalf("expected 1 inference, got %d", engine.calls.Load())
	}
	if st.BlobWrites() != 1 {
		t.Fatalf("expected 1 blob, got %d", st.BlobWrites())
	}
	records := st.Records(hasher.Hash(data), types.KindFace)
	if len(records) != n {
		t.Fatalf("expected %d records, got %d", n, len(records))
	}
	ids := map[string]bool{}
	for _, r := range records {
		ids[r.ImageID] = true
		if r.BlobRef != records[0].BlobRef {
			t.Fatalf("records must share one blob")
		}
	}
	if len(ids) != n {
		t.Fatalf("expected %d distinct image ids, got %d", n, len(ids))
	}
}

func TestTwoImageIDsBeforeFirstCompletes(t *testing.T) {
	data := testImage(t, 11)
	st := store.NewMemoryStore()
	idx := cache.NewMemoryIndex()
	q := persistence.New(persistence.DefaultConfig(), st, idx)
	q.Start()

	engine := &countingEngine{dets: oneFace(), gate: make(chan struct{})}
	g := New(DefaultConfig(types.KindFace), idx, engine, q)

	var wg sync.WaitGroup
	var ra, rb types.Response
	wg.Add(2)
	go func() { defer wg.Done(); ra = g.Receive(context.Background(), "a", data) }()
	go func() { defer wg.Done(); rb = g.Receive(context.Background(), "b", data) }()
	time.Sleep(20 * time.Millisecond)
	close(engine.gate)
	wg.Wait()

	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ra.Success || !rb.Success {
		t.Fatalf("expected both to succeed: %+v %+v", ra, rb)
	}
	if engine.calls.Load() != 1 {
		t.Fatalf("expected exactly 1 inference, got %d", engine.calls.Load())
	}
	records := st.Records(hasher.Hash(data), types.KindFace)
	if len(records) != 2 || st.BlobCount() != 1 {
		t.Fatalf("expected 2 records and 1 blob, got %d records %d blobs", len(records), st.BlobCount())
	}
}

func TestRecentResultsExpiryAndCap(t *testing.T) {
	r := newRecentResults(time.Minute, 2)
	now := time.Now()
	r.now = func() time.Time { return now }

	r.put("a", oneFace())
	r.put("b", oneFace())
	r.put("c", oneFace())
	if r.len() != 2 {
		t.Fatalf("expected cap of 2, got %d", r.len())
	}
	if _, ok := r.get("a"); ok {
		t.Fatalf("expected oldest entry evicted")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := r.get("c"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestErrorsClassify(t *testing.T) {
	if !errors.Is(inference.ErrNoDetections, types.ErrInput) {
		t.Fatalf("no detections should be an input error")
	}
}

func TestEnginePanicIsFailedResponse(t *testing.T) {
	data := testImage(t, 9)
	var calls atomic.Int32
	engine := inference.EngineFunc(func(ctx context.Context, img image.Image) ([]types.Detection, error) {
		if calls.Add(1) == 1 {
			var m map[string]int
			m["boom"]++
		}
		return oneFace(), nil
	})
	sink := &recordingSink{}
	g := New(DefaultConfig(types.KindFace), cache.NewMemoryIndex(), engine, sink)

	resp := g.Receive(context.Background(), "a", data)
	if resp.Success || !strings.Contains(resp.ErrorMessage, "engine panic") {
		t.Fatalf("expected engine panic failure, got %+v", resp)
	}
	if sink.count() != 0 {
		t.Fatalf("expected nothing handed off, got %d", sink.count())
	}

	resp = g.Receive(context.Background(), "b", data)
	if !resp.Success {
		t.Fatalf("expected gateway to keep working after a panic, got %+v", resp)
	}
	if calls.Load() != 2 || sink.count() != 1 {
		t.Fatalf("expected 2 engine calls and 1 task, got calls=%d tasks=%d", calls.Load(), sink.count())
	}
}
