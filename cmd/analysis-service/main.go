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
	"github.com/gloomyglyph/FAAS/pkg/gateway"
	"github.com/gloomyglyph/FAAS/pkg/persistence"
	"github.com/gloomyglyph/FAAS/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %s", err)
	}
	kind := cfg.Kind()

	log.Printf("=== Analysis Service (%s) Starting ===", kind)
	log.Printf("Config:\n")
	log.Printf("  HTTP Address: %s\n", cfg.HTTPAddr)
	log.Printf("  Inference: %s (workers: %d, timeout: %v)\n", cfg.Inference.URL, cfg.Inference.Workers, cfg.Inference.Timeout)
	log.Printf("  Max Image Side: %d\n", cfg.Inference.MaxImageSide)
	log.Printf("  Cache Backend: %s\n", cfg.CacheBackend)
	log.Printf("  Storage Transport: %s\n", cfg.StorageTransport)

	shutdownTracing, err := tracing.InitFromEnv(string(kind) + "-analysis-service")
	if err != nil {
		log.Printf("[!] Tracing disabled: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	index, indexCheck, closeIndex, err := bootstrap.OpenIndex(cfg)
	if err != nil {
		log.Fatalf("%s", err)
	}
	defer closeIndex()

	var (
		sink    gateway.Sink
		persist *persistence.Queue
		opts    []api.Option
	)
	if cfg.StorageTransport == "local" {
		st, storeCheck, closeStore, err := bootstrap.OpenStore(ctx, cfg)
		if err != nil {
			log.Fatalf("%s", err)
		}
		defer closeStore()
		persist = bootstrap.NewPersistence(cfg, st, index)
		persist.Start()
		sink = persist
		opts = append(opts, api.WithStorer(persist))
		if storeCheck != nil {
			opts = append(opts, api.WithHealthCheck("store", storeCheck))
		}
	} else {
		remote, closeSink, err := bootstrap.NewRemoteSink(cfg)
		if err != nil {
			log.Fatalf("%s", err)
		}
		defer closeSink()
		sink = remote
	}

	engine, engineCheck := bootstrap.NewEngine(cfg, kind)
	gw := bootstrap.NewGateway(cfg, kind, index, engine, sink)

	opts = append(opts,
		api.WithAnalyzer(kind, gw),
		api.WithHealthCheck("inference", engineCheck),
	)
	if indexCheck != nil {
		opts = append(opts, api.WithHealthCheck("cache", indexCheck))
	}

	log.Printf("=== Analysis Service (%s) Ready ===", kind)

	if err := api.ListenAndServe(ctx, cfg.HTTPAddr, api.NewServer(opts...).Handler()); err != nil {
		log.Printf("[✗] HTTP server error: %s", err)
	}

	log.Println("[!] Shutdown signal received, closing...")
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if persist != nil {
		if err := persist.Close(closeCtx); err != nil {
			log.Printf("[!] Persistence queue did not drain: %s", err)
		}
	}
	if err := shutdownTracing(closeCtx); err != nil {
		log.Printf("[!] Tracing shutdown: %s", err)
	}
	log.Printf("[✓] Analysis Service (%s) stopped", kind)
}
