// Package gateway fronts one analysis backend. It skips inference for
// content that already has a stored result and hands fresh results to
// the persistence queue without waiting for them to be written.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/gloomyglyph/FAAS/pkg/cache"
	"github.com/gloomyglyph/FAAS/pkg/hasher"
	"github.com/gloomyglyph/FAAS/pkg/inference"
	"github.com/gloomyglyph/FAAS/pkg/metrics"
	"github.com/gloomyglyph/FAAS/pkg/tracing"
	"github.com/gloomyglyph/FAAS/pkg/types"
)

// ErrHandoff means a result could not be passed to storage
var ErrHandoff = errors.New("result not accepted for storage")

// Sink receives results for persistence. Implementations must not block
// on the write itself.
type Sink interface {
	Enqueue(task types.Task) error
}

type Config struct {
	Kind             types.BackendKind
	MaxImageSide     int
	InferenceTimeout time.Duration
	ExistsTimeout    time.Duration
	RecentTTL        time.Duration
	RecentSize       int
}

func DefaultConfig(kind types.BackendKind) Config {
	return Config{
		Kind:             kind,
		MaxImageSide:     1280,
		InferenceTimeout: 20 * time.Second,
		ExistsTimeout:    2 * time.Second,
		RecentTTL:        2 * time.Minute,
		RecentSize:       1024,
	}
}

type Gateway struct {
	cfg    Config
	index  cache.Index
	engine inference.Engine
	sink   Sink

	group  singleflight.Group
	recent *recentResults
}

func New(cfg Config, index cache.Index, engine inference.Engine, sink Sink) *Gateway {
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 20 * time.Second
	}
	if cfg.ExistsTimeout <= 0 {
		cfg.ExistsTimeout = 2 * time.Second
	}
	return &Gateway{
		cfg:    cfg,
		index:  index,
		engine: engine,
		sink:   sink,
		recent: newRecentResults(cfg.RecentTTL, cfg.RecentSize),
	}
}

func (g *Gateway) Kind() types.BackendKind {
	return g.cfg.Kind
}

// Receive analyzes one image. A stored or recently computed result for the
// same bytes short-circuits inference.
func (g *Gateway) Receive(ctx context.Context, imageID string, data []byte) types.Response {
	kind := string(g.cfg.Kind)
	hash := hasher.Hash(data)
	short := hasher.Short(hash)

	ctx, span := tracing.StartSpan(ctx, "gateway.receive",
		attribute.String("backend_kind", kind),
		attribute.String("image_id", imageID),
		attribute.String("content_hash", hash),
	)
	defer span.End()

	log.Printf("[→] %s request image_id=%s hash=%s (%d bytes)", kind, imageID, short, len(data))

	if imageID == "" {
		err := fmt.Errorf("%w: image_id is required", types.ErrInput)
		metrics.GatewayRequests.WithLabelValues(kind, "error").Inc()
		return types.Fail(err)
	}

	if g.alreadyStored(ctx, hash, imageID) {
		metrics.GatewayRequests.WithLabelValues(kind, "hit").Inc()
		span.SetAttributes(attribute.String("outcome", "hit"))
		log.Printf("[↷] %s result exists for hash=%s, skipping image_id=%s", kind, short, imageID)
		return types.OK()
	}

	detections, outcome, err := g.detect(ctx, hash, data)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(kind, "error").Inc()
		tracing.RecordError(span, err)
		marker := "[✗]"
		if inference.IsUnreachable(err) {
			marker = "[!]"
		}
		log.Printf("%s %s analysis failed image_id=%s hash=%s: %s", marker, kind, imageID, short, err)
		return types.Fail(err)
	}
	metrics.GatewayRequests.WithLabelValues(kind, outcome).Inc()
	span.SetAttributes(attribute.String("outcome", outcome))

	task, err := types.NewTask(g.cfg.Kind, types.TaskMeta{
		ImageID:     imageID,
		ContentHash: hash,
		ImageData:   data,
		EnqueuedAt:  time.Now().UTC(),
	}, detections)
	if err != nil {
		tracing.RecordError(span, err)
		log.Printf("[✗] %s result unusable image_id=%s: %s", kind, imageID, err)
		return types.Fail(err)
	}

	if err := g.sink.Enqueue(task); err != nil {
		err = fmt.Errorf("%w: %v", ErrHandoff, err)
		tracing.RecordError(span, err)
		log.Printf("[✗] %s handoff failed image_id=%s hash=%s: %s", kind, imageID, short, err)
		return types.Fail(err)
	}

	log.Printf("[✓] %s analysis done image_id=%s hash=%s detections=%d (%s)", kind, imageID, short, len(detections), outcome)
	return types.OK()
}

// alreadyStored consults the dedup index, failing open when it is down
func (g *Gateway) alreadyStored(ctx context.Context, hash, imageID string) bool {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ExistsTimeout)
	defer cancel()

	ok, err := g.index.Exists(ctx, hash, g.cfg.Kind.Field())
	if err != nil {
		metrics.CacheDegraded.WithLabelValues("exists").Inc()
		log.Printf("[!] Dedup index unavailable, analyzing image_id=%s anyway: %s", imageID, err)
		return false
	}
	return ok
}

// detect returns detections for hash, running inference at most once for
// concurrent or recent requests with the same bytes.
func (g *Gateway) detect(ctx context.Context, hash string, data []byte) ([]types.Detection, string, error) {
	if dets, ok := g.recent.get(hash); ok {
		return dets, "coalesced", nil
	}

	ch := g.group.DoChan(hash, func() (val interface{}, err error) {
		// singleflight re-panics on its own goroutine, out of any caller's reach
		defer func() {
			if r := recover(); r != nil {
				val, err = nil, fmt.Errorf("%w: engine panic: %v", inference.ErrBackendUnreachable, r)
			}
		}()

		if dets, ok := g.recent.get(hash); ok {
			return dets, nil
		}
		// detached so one caller giving up does not fail the others
		ictx, cancel := context.WithTimeout(context.Background(), g.cfg.InferenceTimeout)
		defer cancel()

		start := time.Now()
		dets, err := inference.Run(ictx, g.engine, data, g.cfg.MaxImageSide)
		metrics.InferenceDuration.WithLabelValues(string(g.cfg.Kind)).Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		g.recent.put(hash, dets)
		return dets, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, "", res.Err
		}
		outcome := "miss"
		if res.Shared {
			outcome = "coalesced"
		}
		return res.Val.([]types.Detection), outcome, nil
	case <-ctx.Done():
		return nil, "", fmt.Errorf("%w: %v", inference.ErrBackendUnreachable, ctx.Err())
	}
}
