package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gloomyglyph/FAAS/pkg/hasher"
	"github.com/gloomyglyph/FAAS/pkg/types"
)

// Producer publishes persistence tasks for a remote storage service
type Producer struct {
	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
}

// NewProducer creates a new RabbitMQ producer
func NewProducer(rabbitURL, queueName string) (*Producer, error) {
	conn, err := connectWithRetry(rabbitURL, 10, 5*time.Second)
	if err != nil {
		return nil, err
	}

	channel, err := openQueue(conn, queueName)
	if err != nil {
		conn.Close()
		return nil, err
	}

	log.Printf("[✓] Producer ready, queue: %s", queueName)

	return &Producer{
		conn:      conn,
		channel:   channel,
		queueName: queueName,
	}, nil
}

// Enqueue publishes task as a persistent message. It returns once the
// broker has the message, not once it is stored.
func (p *Producer) Enqueue(task types.Task) error {
	body, err := types.EncodeTask(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		"",          // exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Type:         string(task.Kind()),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}

	meta := task.Meta()
	log.Printf("[→] Published %s task image_id=%s hash=%s (%d bytes)", task.Kind(), meta.ImageID, hasher.Short(meta.ContentHash), len(body))
	return nil
}

// Close closes the producer connection
func (p *Producer) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
