package rabbitmq

import (
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// connectWithRetry attempts to connect to RabbitMQ with retries
func connectWithRetry(url string, maxRetries int, delay time.Duration) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error

	for i := 0; i < maxRetries; i++ {
		log.Printf("[*] Connecting to RabbitMQ (attempt %d/%d)", i+1, maxRetries)
		conn, err = amqp.Dial(url)
		if err == nil {
			log.Println("[✓] Connected to RabbitMQ")
			return conn, nil
		}

		log.Printf("[!] RabbitMQ connect failed: %s", err)
		if i < maxRetries-1 {
			time.Sleep(delay)
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, err)
}

// openQueue opens a channel and declares the durable task queue on it
func openQueue(conn *amqp.Connection, queueName string) (*amqp.Channel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	_, err = channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	return channel, nil
}
