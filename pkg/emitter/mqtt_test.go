package emitter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gloomyglyph/FAAS/pkg/types"
)

func TestTopicPerBackend(t *testing.T) {
	e := NewMQTTEmitter(Config{Topic: "faas/results/"})
	if got := e.topicFor(types.KindAgender); got != "faas/results/agender" {
		t.Fatalf("expected faas/results/agender, got %s", got)
	}
	if got := NewMQTTEmitter(Config{}).topicFor(types.KindFace); got != "faas/results/face" {
		t.Fatalf("unexpected default topic %s", got)
	}
}

func TestNotifyWhenDisconnected(t *testing.T) {
	e := NewMQTTEmitter(Config{})
	if err := e.Notify(context.Background(), types.StoredEvent{ImageID: "a"}); err == nil {
		t.Fatalf("expected error when not connected")
	}
	_, errs := e.Stats()
	if errs != 1 {
		t.Fatalf("expected 1 error counted, got %d", errs)
	}
}

func TestNotifyIntegration(t *testing.T) {
	broker := os.Getenv("FAAS_MQTT_BROKER_INTEGRATION")
	if broker == "" {
		t.Skip("set FAAS_MQTT_BROKER_INTEGRATION to run mqtt integration test")
	}
	e := NewMQTTEmitter(Config{Broker: broker, ClientID: "faas-test", Topic: "faas/test"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer e.Close()

	ev := types.StoredEvent{ImageID: "a", BackendKind: types.KindFace, StoredAt: time.Now()}
	if err := e.Notify(ctx, ev); err != nil {
		t.Fatalf("notify: %v", err)
	}
	published, _ := e.Stats()
	if published["faas/test/face"] != 1 {
		t.Fatalf("expected 1 publish, got %v", published)
	}
}
