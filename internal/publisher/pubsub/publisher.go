// Package pubsub publishes completion and alarm messages to Google Cloud
// Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("pubsub publisher closed")

// topicPublisher is the slice of *pubsub.Publisher this package uses.
type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// Publisher routes messages to one Pub/Sub publisher per topic, created on
// first use and stopped on Close.
type Publisher struct {
	newTopic func(topic string) topicPublisher

	mu     sync.Mutex
	topics map[string]topicPublisher
	closed bool
}

// New creates a Publisher over client.
func New(client *pubsub.Client) *Publisher {
	return newPublisher(func(topic string) topicPublisher {
		return client.Publisher(topic)
	})
}

func newPublisher(factory func(string) topicPublisher) *Publisher {
	return &Publisher{newTopic: factory, topics: make(map[string]topicPublisher)}
}

// Publish marshals the payload to JSON and publishes it to topic. The trace
// context is carried in the message attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("pubsub topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	pub, err := p.publisherFor(topic)
	if err != nil {
		return "", err
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := pub.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", topic, err)
	}
	return id, nil
}

func (p *Publisher) publisherFor(topic string) (topicPublisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	pub, ok := p.topics[topic]
	if !ok {
		pub = p.newTopic(topic)
		p.topics[topic] = pub
	}
	return pub, nil
}

// Close flushes and stops every topic publisher.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, pub := range p.topics {
		pub.Stop()
	}
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
