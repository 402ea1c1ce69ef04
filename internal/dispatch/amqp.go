package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"filemon/internal/filemon"
)

// emailDetails is the message body published to the mail queue. A separate
// mailer service consumes the queue and performs delivery.
type emailDetails struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// publisher is the part of *amqp.Channel the dispatcher uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPDispatcher publishes notifications to a durable RabbitMQ queue.
type AMQPDispatcher struct {
	queue string
	conn  *amqp.Connection

	mu sync.Mutex // Channels are not safe for concurrent publishing
	ch publisher
}

// NewAMQPDispatcher connects to url and declares queue.
func NewAMQPDispatcher(url, queue string) (*AMQPDispatcher, error) {
	if queue == "" {
		return nil, fmt.Errorf("amqp queue name required")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
	}

	return &AMQPDispatcher{queue: queue, conn: conn, ch: ch}, nil
}

func (d *AMQPDispatcher) Send(ctx context.Context, recipient, subject, body string) error {
	payload, err := encodeEmailDetails(recipient, subject, body)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	err = d.ch.PublishWithContext(ctx, "", d.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", d.queue, err)
	}
	return nil
}

func encodeEmailDetails(recipient, subject, body string) ([]byte, error) {
	payload, err := json.Marshal(emailDetails{To: recipient, Subject: subject, Content: body})
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return payload, nil
}

// Close closes the channel and the connection.
func (d *AMQPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	if d.ch != nil {
		if err := d.ch.Close(); err != nil {
			firstErr = err
		}
	}
	if d.conn != nil {
		if err := d.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ filemon.Dispatcher = (*AMQPDispatcher)(nil)
