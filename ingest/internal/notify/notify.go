// Package notify publishes run summaries to RabbitMQ so downstream jobs
// (dashboard refreshes, dedup passes) can start when fresh rows land.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType identifies run summary messages.
const MessageType = "gscload.run.finished"

// DefaultRoutingKey is used when none is configured; with the default
// exchange it is also the queue name.
const DefaultRoutingKey = "gscload.runs"

// Message is the JSON body of a run summary.
type Message struct {
	Type          string         `json:"type"`
	RunID         string         `json:"run_id"`
	Kind          string         `json:"kind"`
	SiteURL       string         `json:"site_url,omitempty"`
	Start         string         `json:"start,omitempty"`
	End           string         `json:"end,omitempty"`
	Debug         bool           `json:"debug"`
	Status        string         `json:"status"`
	Fetched       int            `json:"fetched"`
	New           int            `json:"new"`
	Inserted      int            `json:"inserted"`
	FailedBatches int            `json:"failed_batches"`
	Batches       []BatchMessage `json:"batches,omitempty"`
	FinishedAt    time.Time      `json:"finished_at"`
}

// BatchMessage summarises one batch.
type BatchMessage struct {
	Name     string `json:"name"`
	Fetched  int    `json:"fetched"`
	New      int    `json:"new"`
	Inserted int    `json:"inserted"`
	Error    string `json:"error,omitempty"`
}

// Config configures a Publisher.
type Config struct {
	URL        string `yaml:"amqp_url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// Publisher dials per message; runs finish at most a few times a day.
type Publisher struct {
	config Config
}

// New returns a Publisher, or an error if URL is empty.
func New(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("notify: amqp_url is required")
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = DefaultRoutingKey
	}
	return &Publisher{config: cfg}, nil
}

// Encode builds the persistent JSON publishing for msg.
func Encode(msg Message) (amqp.Publishing, error) {
	if msg.Type == "" {
		msg.Type = MessageType
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("notify: encode: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.RunID,
		Type:         msg.Type,
		Timestamp:    msg.FinishedAt,
		Body:         body,
	}, nil
}

// Notify publishes msg. With the default exchange the routing key is
// declared as a durable queue first.
func (p *Publisher) Notify(ctx context.Context, msg Message) error {
	pub, err := Encode(msg)
	if err != nil {
		return err
	}

	conn, err := amqp.Dial(p.config.URL)
	if err != nil {
		return fmt.Errorf("notify: dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("notify: channel: %w", err)
	}
	defer ch.Close()

	if p.config.Exchange == "" {
		if _, err := ch.QueueDeclare(p.config.RoutingKey, true, false, false, false, nil); err != nil {
			return fmt.Errorf("notify: declare queue %s: %w", p.config.RoutingKey, err)
		}
	}
	if err := ch.PublishWithContext(ctx, p.config.Exchange, p.config.RoutingKey, false, false, pub); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}
