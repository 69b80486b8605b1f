package bootstrap

import (
	"context"
	"testing"

	"github.com/gloomyglyph/FAAS/pkg/cache"
	"github.com/gloomyglyph/FAAS/pkg/client"
	"github.com/gloomyglyph/FAAS/pkg/config"
	"github.com/gloomyglyph/FAAS/pkg/hasher"
	"github.com/gloomyglyph/FAAS/pkg/store"
	"github.com/gloomyglyph/FAAS/pkg/types"
)

func memoryConfig() config.Config {
	cfg := config.Defaults()
	cfg.CacheBackend = "memory"
	cfg.StoreBackend = "memory"
	return cfg
}

func TestMemoryBackends(t *testing.T) {
	cfg := memoryConfig()

	index, check, cleanup, err := OpenIndex(cfg)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer cleanup()
	if _, ok := index.(*cache.MemoryIndex); !ok {
		t.Fatalf("expected memory index, got %T", index)
	}
	if check != nil {
		t.Fatalf("expected no health check for memory index")
	}

	st, _, cleanupStore, err := OpenStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer cleanupStore()
	if _, ok := st.(*store.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", st)
	}
}

func TestLocalPersistenceStoresTask(t *testing.T) {
	cfg := memoryConfig()
	index := cache.NewMemoryIndex()
	st := store.NewMemoryStore()

	q := NewPersistence(cfg, st, index)
	q.Start()

	data := []byte("image")
	hash := hasher.Hash(data)
	task := types.StoreAgenderResult{
		TaskMeta: types.TaskMeta{ImageID: "a", ContentHash: hash, ImageData: data},
		Agenders: []types.AgenderResult{{Age: 30, Gender: "male"}},
	}
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if n := len(st.Records(hash, types.KindAgender)); n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
	if ok, _ := index.Exists(context.Background(), hash, types.KindAgender.Field()); !ok {
		t.Fatalf("expected hash marked in index")
	}
}

func TestRemoteSinkByTransport(t *testing.T) {
	cfg := memoryConfig()

	cfg.StorageTransport = "http"
	sink, cleanup, err := NewRemoteSink(cfg)
	if err != nil {
		t.Fatalf("http sink: %v", err)
	}
	cleanup()
	if _, ok := sink.(*client.StorageClient); !ok {
		t.Fatalf("expected storage client, got %T", sink)
	}

	cfg.StorageTransport = "local"
	if _, _, err := NewRemoteSink(cfg); err == nil {
		t.Fatalf("expected error for local transport")
	}
}

func TestRemoteAnalyzersCoverEveryKind(t *testing.T) {
	clients := RemoteAnalyzers(config.Defaults())
	if len(clients) != len(types.Kinds) {
		t.Fatalf("expected %d analyzers, got %d", len(types.Kinds), len(clients))
	}
	for i, kind := range types.Kinds {
		if clients[i].Kind() != kind {
			t.Fatalf("expected analyzer %d to be %s, got %s", i, kind, clients[i].Kind())
		}
	}
}

func TestNewGatewayKind(t *testing.T) {
	cfg := memoryConfig()
	engine, check := NewEngine(cfg, types.KindFace)
	if engine == nil || check == nil {
		t.Fatalf("expected engine and health check")
	}
	gw := NewGateway(cfg, types.KindFace, cache.NewMemoryIndex(), engine, nil)
	if gw.Kind() != types.KindFace {
		t.Fatalf("expected face gateway, got %s", gw.Kind())
	}
}
