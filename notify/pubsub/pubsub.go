// Package pubsub delivers charge notifications as JSON messages on a
// Google Cloud Pub/Sub topic. A downstream consumer turns them into email.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Event types carried in the "type" field of every message
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeFailed    = "charge.failed"
)

// Publisher defines an interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// Event is the message body published for every notification
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	Amount     int64     `json:"amount,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Notifier implements billing.Notifier on top of a Publisher
type Notifier struct {
	publisher Publisher
	topic     string
	now       func() time.Time
}

var _ billing.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier publishing to topic
func NewNotifier(publisher Publisher, topic string) (*Notifier, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &Notifier{publisher: publisher, topic: topic, now: time.Now}, nil
}

func (n *Notifier) NotifyChargeSucceeded(ctx context.Context, userID string, amount int64) error {
	return n.publish(ctx, Event{Type: EventChargeSucceeded, UserID: userID, Amount: amount})
}

func (n *Notifier) NotifyChargeFailed(ctx context.Context, userID string) error {
	return n.publish(ctx, Event{Type: EventChargeFailed, UserID: userID})
}

func (n *Notifier) publish(ctx context.Context, event Event) error {
	event.OccurredAt = n.now().UTC()
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}
	if _, err := n.publisher.Publish(ctx, n.topic, payload); err != nil {
		return err
	}
	return nil
}

// PubSubPublisher is an implementation of Publisher using Google Pub/Sub.
type PubSubPublisher struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPublisher creates a new PubSubPublisher for the given GCP project.
func NewPublisher(ctx context.Context, projectID string) (*PubSubPublisher, error) {
	if projectID == "" {
		return nil, errors.New("project ID is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return NewPublisherFromClient(client), nil
}

// NewPublisherFromClient wraps an existing client. Close still closes it.
func NewPublisherFromClient(client *pubsub.Client) *PubSubPublisher {
	return &PubSubPublisher{client: client, topics: make(map[string]*pubsub.Topic)}
}

// Publish sends the payload to the given Pub/Sub topic and returns the message ID.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	result := p.topic(topic).Publish(ctx, &pubsub.Message{Data: payload})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}
	return id, nil
}

// topic reuses one Topic per name so its publish batching goroutines are shared
func (p *PubSubPublisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Close flushes pending messages and closes the client
func (p *PubSubPublisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()
	return p.client.Close()
}
