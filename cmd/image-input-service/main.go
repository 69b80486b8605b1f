package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gloomyglyph/FAAS/pkg/api"
	"github.com/gloomyglyph/FAAS/pkg/bootstrap"
	"github.com/gloomyglyph/FAAS/pkg/config"
	"github.com/gloomyglyph/FAAS/pkg/dispatcher"
	blobstore "github.com/gloomyglyph/FAAS/pkg/minio"
	"github.com/gloomyglyph/FAAS/pkg/persistence"
	"github.com/gloomyglyph/FAAS/pkg/tracing"
	"github.com/gloomyglyph/FAAS/pkg/types"
)

func main() {
	log.Println("=== Image Input Service Starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %s", err)
	}

	log.Printf("Config:\n")
	log.Printf("  HTTP Address: %s\n", cfg.HTTPAddr)
	log.Printf("  Storage Transport: %s\n", cfg.StorageTransport)
	log.Printf("  Face Analysis: %s\n", cfg.FaceAnalysisURL)
	log.Printf("  Agender Analysis: %s\n", cfg.AgenderAnalysisURL)
	log.Printf("  Dispatch Capacity: %d (in-flight: %d)\n", cfg.Dispatch.Capacity, cfg.Dispatch.InFlight)
	log.Printf("  Backend Timeout: %v\n", cfg.Dispatch.BackendTimeout)
	log.Printf("  Intake Bucket: %q\n", cfg.IntakeBucket)

	shutdownTracing, err := tracing.InitFromEnv("image-input-service")
	if err != nil {
		log.Printf("[!] Tracing disabled: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		analyzers []dispatcher.Analyzer
		persist   *persistence.Queue
		cleanups  []bootstrap.Cleanup
		opts      []api.Option
	)

	if cfg.StorageTransport == "local" {
		// all-in-one: gateways and persistence run in this process
		index, indexCheck, closeIndex, err := bootstrap.OpenIndex(cfg)
		if err != nil {
			log.Fatalf("%s", err)
		}
		cleanups = append(cleanups, closeIndex)

		st, storeCheck, closeStore, err := bootstrap.OpenStore(ctx, cfg)
		if err != nil {
			log.Fatalf("%s", err)
		}
		cleanups = append(cleanups, closeStore)

		persist = bootstrap.NewPersistence(cfg, st, index)
		persist.Start()
		opts = append(opts, api.WithStorer(persist))

		for _, kind := range types.Kinds {
			engine, engineCheck := bootstrap.NewEngine(cfg, kind)
			gw := bootstrap.NewGateway(cfg, kind, index, engine, persist)
			analyzers = append(analyzers, gw)
			opts = append(opts,
				api.WithAnalyzer(kind, gw),
				api.WithHealthCheck("inference_"+string(kind), engineCheck),
			)
		}
		if indexCheck != nil {
			opts = append(opts, api.WithHealthCheck("cache", indexCheck))
		}
		if storeCheck != nil {
			opts = append(opts, api.WithHealthCheck("store", storeCheck))
		}
	} else {
		for _, c := range bootstrap.RemoteAnalyzers(cfg) {
			analyzers = append(analyzers, c)
		}
	}

	d := dispatcher.New(dispatcher.Config{
		Capacity:       cfg.Dispatch.Capacity,
		InFlight:       cfg.Dispatch.InFlight,
		BackendTimeout: cfg.Dispatch.BackendTimeout,
	}, analyzers...)
	d.Start()
	opts = append(opts, api.WithSubmitter(d))

	if cfg.IntakeBucket != "" {
		minioClient, err := blobstore.InitMinIOClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("Failed to initialize MinIO client: %s", err)
		}
		source, err := blobstore.NewBucketSource(ctx, minioClient, cfg.IntakeBucket)
		if err != nil {
			log.Fatalf("Failed to open intake bucket: %s", err)
		}
		watcher := blobstore.NewIntakeWatcher(source, cfg.PollInterval, func(ctx context.Context, key string, content []byte) error {
			_, err := d.Enqueue(key, content)
			return err
		})
		watcher.SetRateLimit(cfg.IntakeRateLimit)
		go watcher.Run(ctx)
		log.Printf("[✓] Watching intake bucket: %s", cfg.IntakeBucket)
	}

	log.Println("=== Image Input Service Ready ===")

	if err := api.ListenAndServe(ctx, cfg.HTTPAddr, api.NewServer(opts...).Handler()); err != nil {
		log.Printf("[✗] HTTP server error: %s", err)
	}

	log.Println("[!] Shutdown signal received, closing...")
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.Close(closeCtx); err != nil {
		log.Printf("[!] Dispatcher did not drain: %s", err)
	}
	if persist != nil {
		if err := persist.Close(closeCtx); err != nil {
			log.Printf("[!] Persistence queue did not drain: %s", err)
		}
	}
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	if err := shutdownTracing(closeCtx); err != nil {
		log.Printf("[!] Tracing shutdown: %s", err)
	}
	log.Println("[✓] Image Input Service stopped")
}
