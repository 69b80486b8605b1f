package minio

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeSource struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

func (f *fakeSource) List(ctx context.Context) ([]Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Object
	for k, v := range f.objects {
		out = append(out, Object{Key: k, Size: int64(len(v))})
	}
	return out, nil
}

func (f *fakeSource) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	return f.objects[key], nil
}

func TestIntakeWatcherSubmitsEachObjectOnce(t *testing.T) {
	src := &fakeSource{objects: map[string][]byte{"a.jpg": []byte("a"), "b.jpg": []byte("b")}}
	var submitted []string
	w := NewIntakeWatcher(src, 0, func(ctx context.Context, key string, content []byte) error {
		submitted = append(submitted, key)
		return nil
	})

	n, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 submitted, got %d", n)
	}

	n, _ = w.Scan(context.Background())
	if n != 0 {
		t.Fatalf("expected second scan to submit nothing, got %d", n)
	}
	if len(submitted) != 2 {
		t.Fatalf("expected 2 submit calls total, got %d", len(submitted))
	}
}

func TestIntakeWatcherRetriesRejected(t *testing.T) {
	src := &fakeSource{objects: map[string][]byte{"a.jpg": []byte("a")}}
	reject := true
	w := NewIntakeWatcher(src, 0, func(ctx context.Context, key string, content []byte) error {
		if reject {
			return errors.New("queue full")
		}
		return nil
	})

	if n, _ := w.Scan(context.Background()); n != 0 {
		t.Fatalf("expected rejection, got %d accepted", n)
	}
	reject = false
	if n, _ := w.Scan(context.Background()); n != 1 {
		t.Fatalf("expected retry to be accepted, got %d", n)
	}
}

func TestIntakeWatcherRateLimitStopsOnCancel(t *testing.T) {
	src := &fakeSource{objects: map[string][]byte{"a.jpg": []byte("a"), "b.jpg": []byte("b")}}
	w := NewIntakeWatcher(src, 0, func(ctx context.Context, key string, content []byte) error {
		return nil
	})
	w.SetRateLimit(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := w.Scan(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n != 0 || src.gets != 0 {
		t.Fatalf("expected nothing downloaded, got n=%d gets=%d", n, src.gets)
	}
}

func TestIntakeWatcherForgetsRemovedObjects(t *testing.T) {
	src := &fakeSource{objects: map[string][]byte{"a.jpg": []byte("a"), "b.jpg": []byte("b")}}
	submits := 0
	w := NewIntakeWatcher(src, 0, func(ctx context.Context, key string, content []byte) error {
		submits++
		return nil
	})

	if _, err := w.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if w.Tracked() != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", w.Tracked())
	}

	src.mu.Lock()
	delete(src.objects, "a.jpg")
	src.mu.Unlock()

	if _, err := w.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if w.Tracked() != 1 {
		t.Fatalf("expected removed key to be forgotten, got %d tracked", w.Tracked())
	}
	if submits != 2 {
		t.Fatalf("expected b.jpg not resubmitted, got %d submits", submits)
	}
}
