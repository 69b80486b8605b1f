package minio

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
)

// Object is a listed bucket entry
type Object struct {
	Key  string
	Size int64
}

// Source lists and reads objects from an intake bucket
type Source interface {
	List(ctx context.Context) ([]Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// BucketSource is a Source backed by a MinIO bucket
type BucketSource struct {
	client     *minio.Client
	bucketName string
}

// NewBucketSource ensures the bucket exists and returns a Source for it
func NewBucketSource(ctx context.Context, client *minio.Client, bucketName string) (*BucketSource, error) {
	if err := EnsureBucketExists(ctx, client, bucketName); err != nil {
		return nil, err
	}
	return &BucketSource{client: client, bucketName: bucketName}, nil
}

func (s *BucketSource) List(ctx context.Context) ([]Object, error) {
	var objects []Object
	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", object.Err)
		}
		// Skip directories
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		objects = append(objects, Object{Key: object.Key, Size: object.Size})
	}
	return objects, nil
}

func (s *BucketSource) Get(ctx context.Context, key string) ([]byte, error) {
	return DownloadObject(ctx, s.client, s.bucketName, key)
}

// SubmitFunc hands one object to the ingestion path. A non-nil error
// leaves the key unseen so the next scan retries it.
type SubmitFunc func(ctx context.Context, key string, content []byte) error

// IntakeWatcher polls a bucket and submits objects it has not seen yet
type IntakeWatcher struct {
	source   Source
	interval time.Duration
	submit   SubmitFunc
	perSec   int // 0 = unlimited

	mu   sync.Mutex
	seen map[string]bool
}

func NewIntakeWatcher(source Source, interval time.Duration, submit SubmitFunc) *IntakeWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &IntakeWatcher{
		source:   source,
		interval: interval,
		submit:   submit,
		seen:     make(map[string]bool),
	}
}

// SetRateLimit caps downloads to perSecond objects per second during a scan
func (w *IntakeWatcher) SetRateLimit(perSecond int) {
	if perSecond < 0 {
		perSecond = 0
	}
	w.perSec = perSecond
}

// Run scans immediately, then every interval until ctx is done
func (w *IntakeWatcher) Run(ctx context.Context) {
	log.Printf("[*] Polling intake bucket every %v", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if n, err := w.Scan(ctx); err != nil {
			log.Printf("[!] Intake scan error: %s", err)
		} else if n > 0 {
			log.Printf("[✓] Intake scan submitted %d new objects (%d tracked)", n, w.Tracked())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan submits every unseen object once and returns how many were accepted
func (w *IntakeWatcher) Scan(ctx context.Context) (int, error) {
	objects, err := w.source.List(ctx)
	if err != nil {
		return 0, err
	}
	w.prune(objects)

	var limiter <-chan time.Time
	if w.perSec > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(w.perSec))
		defer ticker.Stop()
		limiter = ticker.C
	}

	accepted := 0
	for _, object := range objects {
		if ctx.Err() != nil {
			return accepted, ctx.Err()
		}
		if w.isSeen(object.Key) {
			continue
		}
		if limiter != nil {
			select {
			case <-ctx.Done():
				return accepted, ctx.Err()
			case <-limiter:
			}
		}

		log.Printf("[→] Found new intake object: %s (size: %d bytes)", object.Key, object.Size)

		content, err := w.source.Get(ctx, object.Key)
		if err != nil {
			log.Printf("[✗] Error downloading %s: %s", object.Key, err)
			continue
		}

		if err := w.submit(ctx, object.Key, content); err != nil {
			log.Printf("[!] Intake object %s not accepted, will retry: %s", object.Key, err)
			continue
		}

		w.markSeen(object.Key)
		accepted++
	}

	return accepted, nil
}

// prune forgets keys that are no longer in the bucket
func (w *IntakeWatcher) prune(objects []Object) {
	listed := make(map[string]struct{}, len(objects))
	for _, object := range objects {
		listed[object.Key] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.seen {
		if _, ok := listed[key]; !ok {
			delete(w.seen, key)
		}
	}
}

// Tracked is the number of keys remembered as submitted
func (w *IntakeWatcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *IntakeWatcher) isSeen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen[key]
}

func (w *IntakeWatcher) markSeen(key string) {
	w.mu.Lock()
	w.seen[key] = true
	w.mu.Unlock()
}
