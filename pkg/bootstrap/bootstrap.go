// Package bootstrap builds the components shared by the service binaries
// from a loaded config.
package bootstrap

import (
	"context"
	"fmt"
	"log"

	"github.com/gloomyglyph/FAAS/pkg/api"
	"github.com/gloomyglyph/FAAS/pkg/cache"
	"github.com/gloomyglyph/FAAS/pkg/client"
	"github.com/gloomyglyph/FAAS/pkg/config"
	"github.com/gloomyglyph/FAAS/pkg/database"
	"github.com/gloomyglyph/FAAS/pkg/gateway"
	"github.com/gloomyglyph/FAAS/pkg/inference"
	blobstore "github.com/gloomyglyph/FAAS/pkg/minio"
	"github.com/gloomyglyph/FAAS/pkg/persistence"
	"github.com/gloomyglyph/FAAS/pkg/rabbitmq"
	"github.com/gloomyglyph/FAAS/pkg/store"
	"github.com/gloomyglyph/FAAS/pkg/types"
)

// Cleanup releases whatever a constructor opened. Safe to call more than once.
type Cleanup func()

func noop() {}

// OpenIndex returns the dedup index selected by CACHE_BACKEND
func OpenIndex(cfg config.Config) (cache.Index, api.HealthCheck, Cleanup, error) {
	if cfg.CacheBackend == "memory" {
		log.Println("[!] Using in-memory dedup index (not shared between processes)")
		return cache.NewMemoryIndex(), nil, noop, nil
	}

	redisCache, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, nil, noop, fmt.Errorf("failed to initialize Redis: %w", err)
	}
	log.Printf("[✓] Redis connected: %s:%s", cfg.Redis.Host, cfg.Redis.Port)
	return redisCache, redisCache.Ping, func() { redisCache.Close() }, nil
}

// OpenStore returns the blob+metadata store selected by STORE_BACKEND
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, api.HealthCheck, Cleanup, error) {
	if cfg.StoreBackend == "memory" {
		log.Println("[!] Using in-memory store (results are lost on exit)")
		return store.NewMemoryStore(), nil, noop, nil
	}

	db, err := database.NewPostgresDB(cfg.Postgres)
	if err != nil {
		return nil, nil, noop, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	log.Printf("[✓] PostgreSQL connected: %s:%s/%s", cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.DBName)

	minioClient, err := blobstore.InitMinIOClient(cfg.MinIO)
	if err != nil {
		db.Close()
		return nil, nil, noop, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if err := blobstore.EnsureBucketExists(ctx, minioClient, cfg.BlobBucket); err != nil {
		db.Close()
		return nil, nil, noop, fmt.Errorf("failed to ensure bucket %s: %w", cfg.BlobBucket, err)
	}
	log.Printf("[✓] MinIO connected: %s (bucket: %s)", cfg.MinIO.Endpoint, cfg.BlobBucket)

	durable := store.NewDurableStore(db, minioClient, cfg.BlobBucket)
	return durable, durable.Ping, func() { db.Close() }, nil
}

// NewPersistence builds (but does not start) the persistence queue
func NewPersistence(cfg config.Config, st store.Store, index cache.Index, opts ...persistence.Option) *persistence.Queue {
	return persistence.New(persistence.Config{
		Workers:        cfg.Persist.Workers,
		Capacity:       cfg.Persist.Capacity,
		MaxAttempts:    cfg.Persist.MaxAttempts,
		InitialBackoff: cfg.Persist.InitialBackoff,
		MaxBackoff:     cfg.Persist.MaxBackoff,
	}, st, index, opts...)
}

// NewEngine returns the inference engine for kind, bounded to
// INFERENCE_WORKERS concurrent calls, plus its health probe.
func NewEngine(cfg config.Config, kind types.BackendKind) (inference.Engine, api.HealthCheck) {
	engine := inference.NewHTTPEngine(cfg.Inference.URL, kind, cfg.Inference.Timeout)
	return inference.Limit(engine, cfg.Inference.Workers), engine.CheckHealth
}

// NewGateway builds the gateway for kind
func NewGateway(cfg config.Config, kind types.BackendKind, index cache.Index, engine inference.Engine, sink gateway.Sink) *gateway.Gateway {
	gwCfg := gateway.DefaultConfig(kind)
	gwCfg.MaxImageSide = cfg.Inference.MaxImageSide
	gwCfg.InferenceTimeout = cfg.Inference.Timeout
	return gateway.New(gwCfg, index, engine, sink)
}

// NewRemoteSink returns the sink a standalone gateway hands results to:
// the storage service over HTTP or RabbitMQ. Local persistence is wired by
// the caller, since it needs a store.
func NewRemoteSink(cfg config.Config) (gateway.Sink, Cleanup, error) {
	switch cfg.StorageTransport {
	case "http":
		log.Printf("[*] Results go to storage over HTTP: %s", cfg.StorageURL)
		return client.NewStorageClient(cfg.StorageURL, 0), noop, nil
	case "amqp":
		producer, err := rabbitmq.NewProducer(cfg.RabbitMQURL, cfg.QueueName)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create producer: %w", err)
		}
		return producer, func() { producer.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("transport %q has no remote sink", cfg.StorageTransport)
	}
}

// RemoteAnalyzers returns one client per analysis service
func RemoteAnalyzers(cfg config.Config) []*client.GatewayClient {
	return []*client.GatewayClient{
		client.NewGatewayClient(cfg.FaceAnalysisURL, types.KindFace, cfg.Dispatch.BackendTimeout),
		client.NewGatewayClient(cfg.AgenderAnalysisURL, types.KindAgender, cfg.Dispatch.BackendTimeout),
	}
}
