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
	"github.com/gloomyglyph/FAAS/pkg/emitter"
	"github.com/gloomyglyph/FAAS/pkg/persistence"
	"github.com/gloomyglyph/FAAS/pkg/rabbitmq"
	"github.com/gloomyglyph/FAAS/pkg/tracing"
)

func main() {
	log.Println("=== Data Storage Service Starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %s", err)
	}

	log.Printf("Config:\n")
	log.Printf("  HTTP Address: %s\n", cfg.HTTPAddr)
	log.Printf("  Store Backend: %s\n", cfg.StoreBackend)
	log.Printf("  PostgreSQL: %s:%s/%s\n", cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.DBName)
	log.Printf("  MinIO Endpoint: %s (bucket: %s)\n", cfg.MinIO.Endpoint, cfg.BlobBucket)
	log.Printf("  Redis: %s:%s\n", cfg.Redis.Host, cfg.Redis.Port)
	log.Printf("  Workers: %d (capacity: %d per shard)\n", cfg.Persist.Workers, cfg.Persist.Capacity)
	log.Printf("  Transport: %s\n", cfg.StorageTransport)
	log.Printf("  MQTT Broker: %q\n", cfg.MQTT.Broker)

	shutdownTracing, err := tracing.InitFromEnv("data-storage-service")
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

	st, storeCheck, closeStore, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("%s", err)
	}
	defer closeStore()

	var queueOpts []persistence.Option
	if cfg.MQTT.Broker != "" {
		mqttEmitter := emitter.NewMQTTEmitter(emitter.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      1,
		})
		if err := mqttEmitter.Connect(ctx); err != nil {
			log.Printf("[!] MQTT unavailable, result events disabled: %s", err)
		} else {
			defer mqttEmitter.Close()
			queueOpts = append(queueOpts, persistence.WithNotifier(mqttEmitter))
		}
	}

	persist := bootstrap.NewPersistence(cfg, st, index, queueOpts...)
	persist.Start()

	opts := []api.Option{api.WithStorer(persist)}
	if indexCheck != nil {
		opts = append(opts, api.WithHealthCheck("cache", indexCheck))
	}
	if storeCheck != nil {
		opts = append(opts, api.WithHealthCheck("store", storeCheck))
	}

	var consumer *rabbitmq.Consumer
	if cfg.StorageTransport == "amqp" {
		consumer, err = rabbitmq.NewConsumer(cfg.RabbitMQURL, cfg.QueueName, persist, cfg.Persist.Workers*4)
		if err != nil {
			log.Fatalf("Failed to create consumer: %s", err)
		}
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Printf("[✗] Consumer stopped: %s", err)
				stop()
			}
		}()
	}

	log.Println("=== Data Storage Service Ready ===")

	if err := api.ListenAndServe(ctx, cfg.HTTPAddr, api.NewServer(opts...).Handler()); err != nil {
		log.Printf("[✗] HTTP server error: %s", err)
	}

	log.Println("[!] Shutdown signal received, closing...")
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// stop intake before draining
	if consumer != nil {
		consumer.Close()
	}
	if err := persist.Close(closeCtx); err != nil {
		log.Printf("[!] Persistence queue did not drain: %s", err)
	}
	if err := shutdownTracing(closeCtx); err != nil {
		log.Printf("[!] Tracing shutdown: %s", err)
	}
	log.Println("[✓] Data Storage Service stopped")
}
