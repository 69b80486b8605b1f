package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gloomyglyph/FAAS/pkg/types"
)

type Config struct {
	Broker   string // host:port
	ClientID string
	Topic    string // events go to <Topic>/<backend_kind>
	QoS      byte
}

// MQTTEmitter publishes "result stored" events to an MQTT broker
type MQTTEmitter struct {
	cfg    Config
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

func NewMQTTEmitter(cfg Config) *MQTTEmitter {
	if cfg.Topic == "" {
		cfg.Topic = "faas/results"
	}
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes the connection. Later drops reconnect automatically.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		log.Printf("[✓] MQTT connected: %s", e.cfg.Broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		log.Printf("[!] MQTT connection lost, reconnecting: %s", err)
	}

	e.client = mqtt.NewClient(opts)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connection: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Notify publishes ev. It satisfies persistence.Notifier.
func (e *MQTTEmitter) Notify(ctx context.Context, ev types.StoredEvent) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := e.topicFor(ev.BackendKind)
	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Stats returns publish counts per topic and the error count
func (e *MQTTEmitter) Stats() (map[string]uint64, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		out[k] = v
	}
	return out, e.errors
}

func (e *MQTTEmitter) Close() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
	}
	e.setConnected(false)
}

func (e *MQTTEmitter) topicFor(kind types.BackendKind) string {
	return strings.TrimSuffix(e.cfg.Topic, "/") + "/" + string(kind)
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
