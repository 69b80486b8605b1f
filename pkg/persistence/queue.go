// Package persistence owns the write path into the durable store and the
// dedup index. Tasks are sharded by content hash so writes for one hash
// never interleave.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gloomyglyph/FAAS/pkg/cache"
	"github.com/gloomyglyph/FAAS/pkg/hasher"
	"github.com/gloomyglyph/FAAS/pkg/metrics"
	"github.com/gloomyglyph/FAAS/pkg/store"
	"github.com/gloomyglyph/FAAS/pkg/tracing"
	"github.com/gloomyglyph/FAAS/pkg/types"
)

var (
	ErrQueueFull   = errors.New("persistence queue full")
	ErrQueueClosed = errors.New("persistence queue closed")
)

type Config struct {
	Workers        int // one shard per worker
	Capacity       int // per shard
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MarkTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:        1,
		Capacity:       1024,
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		MarkTimeout:    3 * time.Second,
	}
}

// Notifier is told about every durably stored result. Errors are logged
// and otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, ev types.StoredEvent) error
}

// Stats counts terminal task outcomes
type Stats struct {
	Stored  int64
	Invalid int64
	Dropped int64
}

type Queue struct {
	cfg      Config
	store    store.Store
	index    cache.Index
	notifier Notifier

	mu     sync.RWMutex
	closed bool
	shards []chan types.Task
	wg     sync.WaitGroup

	runCtx context.Context
	abort  context.CancelFunc

	stored  atomic.Int64
	invalid atomic.Int64
	dropped atomic.Int64
}

type Option func(*Queue)

// WithNotifier announces stored results to n
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

func New(cfg Config, st store.Store, index cache.Index, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MarkTimeout <= 0 {
		cfg.MarkTimeout = def.MarkTimeout
	}

	q := &Queue{
		cfg:    cfg,
		store:  st,
		index:  index,
		shards: make([]chan types.Task, cfg.Workers),
	}
	for i := range q.shards {
		q.shards[i] = make(chan types.Task, cfg.Capacity)
	}
	q.runCtx, q.abort = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches one worker per shard
func (q *Queue) Start() {
	for i, ch := range q.shards {
		q.wg.Add(1)
		go q.worker(i, ch)
	}
	log.Printf("[*] Persistence queue started: %d workers, capacity %d per worker", q.cfg.Workers, q.cfg.Capacity)
}

// Enqueue hands a task to the queue without blocking
func (q *Queue) Enqueue(task types.Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.shardFor(task.Meta().ContentHash) <- task:
		metrics.PersistQueueDepth.Inc()
		return nil
	default:
		metrics.PersistTasks.WithLabelValues(string(task.Kind()), "rejected").Inc()
		return ErrQueueFull
	}
}

// StoreResult is the RPC entry point. It returns once the task is queued.
func (q *Queue) StoreResult(ctx context.Context, req types.StoreRequest) types.Response {
	task, err := types.TaskFromRequest(req)
	if err != nil {
		log.Printf("[✗] StoreResult rejected for image_id=%s: %s", req.ImageID, err)
		return types.Fail(err)
	}
	if err := q.Enqueue(task); err != nil {
		log.Printf("[✗] StoreResult not queued for image_id=%s: %s", req.ImageID, err)
		return types.Fail(err)
	}
	log.Printf("[→] Queued %s result image_id=%s hash=%s", task.Kind(), req.ImageID, hasher.Short(req.ContentHash))
	return types.OK()
}

// Close stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, pending retries are abandoned and ctx.Err() is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, ch := range q.shards {
		close(ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.abort()
		return nil
	case <-ctx.Done():
		q.abort()
		<-done
		return ctx.Err()
	}
}

// Pending is the number of queued tasks not yet picked up
func (q *Queue) Pending() int {
	n := 0
	for _, ch := range q.shards {
		n += len(ch)
	}
	return n
}

func (q *Queue) Stats() Stats {
	return Stats{
		Stored:  q.stored.Load(),
		Invalid: q.invalid.Load(),
		Dropped: q.dropped.Load(),
	}
}

func (q *Queue) shardFor(hash string) chan types.Task {
	if len(q.shards) == 1 {
		return q.shards[0]
	}
	h := fnv.New32a()
	h.Write([]byte(hash))
	return q.shards[h.Sum32()%uint32(len(q.shards))]
}

func (q *Queue) worker(id int, ch <-chan types.Task) {
	defer q.wg.Done()
	for task := range ch {
		metrics.PersistQueueDepth.Dec()
		q.process(task)
	}
}

func (q *Queue) process(task types.Task) {
	meta := task.Meta()
	kind := task.Kind()
	short := hasher.Short(meta.ContentHash)

	ctx, span := tracing.StartSpan(q.runCtx, "persistence.process",
		attribute.String("image_id", meta.ImageID),
		attribute.String("backend_kind", string(kind)),
		attribute.String("content_hash", meta.ContentHash),
	)
	defer span.End()

	if err := types.ValidateTask(task); err != nil {
		q.invalid.Add(1)
		metrics.PersistTasks.WithLabelValues(string(kind), "invalid").Inc()
		tracing.RecordError(span, err)
		log.Printf("[✗] Dropping invalid %s task image_id=%s hash=%s: %s", kind, meta.ImageID, short, err)
		return
	}

	record, err := q.writeWithRetry(ctx, task)
	if err != nil {
		q.dropped.Add(1)
		metrics.PersistTasks.WithLabelValues(string(kind), "dropped").Inc()
		tracing.RecordError(span, err)
		log.Printf("[✗] Dropping %s task image_id=%s hash=%s: %s", kind, meta.ImageID, short, err)
		return
	}

	markCtx, cancel := context.WithTimeout(ctx, q.cfg.MarkTimeout)
	err = q.index.Mark(markCtx, meta.ContentHash, kind.Field(), record.ID)
	cancel()
	if err != nil {
		metrics.CacheDegraded.WithLabelValues("mark").Inc()
		log.Printf("[!] Cache mark failed for image_id=%s hash=%s, result is stored: %s", meta.ImageID, short, err)
	}

	q.stored.Add(1)
	metrics.PersistTasks.WithLabelValues(string(kind), "stored").Inc()

	seen := ""
	if ledger, ok := q.store.(store.Ledger); ok {
		if n, err := ledger.BlobSeenCount(ctx, meta.ContentHash); err == nil {
			seen = fmt.Sprintf(" seen=%d", n)
		}
	}
	log.Printf("[✓] Stored %s result image_id=%s hash=%s record=%s%s", kind, meta.ImageID, short, record.ID, seen)

	if q.notifier != nil {
		ev := types.StoredEvent{
			ImageID:     meta.ImageID,
			ContentHash: meta.ContentHash,
			BackendKind: kind,
			BlobRef:     string(record.BlobRef),
			RecordID:    record.ID,
			StoredAt:    record.CreatedAt,
		}
		if err := q.notifier.Notify(ctx, ev); err != nil {
			log.Printf("[!] Result event not published for image_id=%s: %s", meta.ImageID, err)
		}
	}
}

func (q *Queue) writeWithRetry(ctx context.Context, task types.Task) (*store.Record, error) {
	backoff := q.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		record, err := q.write(ctx, task)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, store.ErrStoreUnavailable) {
			return nil, err
		}
		if attempt >= q.cfg.MaxAttempts {
			return nil, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		metrics.PersistRetries.WithLabelValues(string(task.Kind())).Inc()
		log.Printf("[!] Store unavailable for image_id=%s (attempt %d/%d), retrying in %v",
			task.Meta().ImageID, attempt, q.cfg.MaxAttempts, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("shutdown during retry after %d attempts: %w", attempt, err)
		}

		backoff *= 2
		if backoff > q.cfg.MaxBackoff {
			backoff = q.cfg.MaxBackoff
		}
	}
}

// write stores the blob then the record. Safe to repeat: the blob write is
// idempotent on hash and a failed insert leaves nothing behind.
func (q *Queue) write(ctx context.Context, task types.Task) (*store.Record, error) {
	meta := task.Meta()

	var payload []byte
	var err error
	switch t := task.(type) {
	case types.StoreFaceResult:
		payload, err = json.Marshal(t.Faces)
	case types.StoreAgenderResult:
		payload, err = json.Marshal(t.Agenders)
	default:
		return nil, fmt.Errorf("%w: unknown task %T", types.ErrValidation, task)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}

	ref, err := q.store.PutBlobIfAbsent(ctx, meta.ContentHash, meta.ImageData)
	if err != nil {
		return nil, err
	}

	record := &store.Record{
		ImageID:     meta.ImageID,
		ContentHash: meta.ContentHash,
		Kind:        task.Kind(),
		BlobRef:     ref,
		Payload:     payload,
	}
	if err := q.store.InsertResult(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}
