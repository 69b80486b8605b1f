package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gloomyglyph/FAAS/pkg/types"
)

// TaskQueue is where consumed tasks are handed off
type TaskQueue interface {
	Enqueue(task types.Task) error
}

type action int

const (
	ack action = iota
	reject
	requeue
)

// Consumer feeds tasks from RabbitMQ into a local persistence queue
type Consumer struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
	tasks     TaskQueue
	prefetch  int
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(rabbitURL, queueName string, tasks TaskQueue, prefetch int) (*Consumer, error) {
	conn, err := connectWithRetry(rabbitURL, 10, 5*time.Second)
	if err != nil {
		return nil, err
	}

	channel, err := openQueue(conn, queueName)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if prefetch <= 0 {
		prefetch = 1
	}
	// Set prefetch count
	if err := channel.Qos(prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	log.Printf("[✓] Consumer ready, queue: %s", queueName)

	return &Consumer{
		conn:      conn,
		channel:   channel,
		queueName: queueName,
		tasks:     tasks,
		prefetch:  prefetch,
	}, nil
}

// Start consumes until ctx is done or the broker closes the channel
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	log.Printf("[*] Waiting for tasks on %s", c.queueName)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			switch handle(c.tasks, msg.Body) {
			case ack:
				msg.Ack(false)
			case reject:
				// never requeue malformed tasks
				msg.Nack(false, false)
			case requeue:
				msg.Nack(false, true)
				// local queue is full, give the workers a moment
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(200 * time.Millisecond):
				}
			}
		}
	}
}

func handle(tasks TaskQueue, body []byte) action {
	task, err := types.DecodeTask(body)
	if err != nil {
		log.Printf("[✗] Rejecting undecodable task: %s", err)
		return reject
	}

	if err := tasks.Enqueue(task); err != nil {
		log.Printf("[!] Task for image_id=%s not queued, returning to broker: %s", task.Meta().ImageID, err)
		return requeue
	}
	return ack
}

// Close closes the consumer connection
func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
