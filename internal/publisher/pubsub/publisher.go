// Package pubsub implements a Google Cloud Pub/Sub event publisher.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/magnet-crawler/internal/publisher"
)

// resultGetter abstracts *pubsub.PublishResult for tests.
type resultGetter interface {
	Get(ctx context.Context) (string, error)
}

type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) resultGetter
	Stop()
}

type clientPublisher struct {
	p *pubsub.Publisher
}

func (c clientPublisher) Publish(ctx context.Context, msg *pubsub.Message) resultGetter {
	return c.p.Publish(ctx, msg)
}

func (c clientPublisher) Stop() {
	c.p.Stop()
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	client    *pubsub.Client
	publisher topicPublisher
}

// New connects to projectID and publishes to topic.
func New(ctx context.Context, projectID, topic string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := client.Publisher(topic)
	pub.EnableMessageOrdering = true
	return &Publisher{client: client, publisher: clientPublisher{p: pub}}, nil
}

func newWithTopic(p topicPublisher) *Publisher {
	return &Publisher{publisher: p}
}

// Publish sends every message and waits for all server acknowledgements.
// Messages use their key as the ordering key.
func (p *Publisher) Publish(ctx context.Context, msgs ...publisher.Message) error {
	if p.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	results := make([]resultGetter, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, p.publisher.Publish(ctx, &pubsub.Message{
			Data:        m.Data,
			Attributes:  m.Attributes,
			OrderingKey: m.Key,
		}))
	}
	var errs []error
	for _, r := range results {
		if _, err := r.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %d/%d messages failed: %w", len(errs), len(msgs), errors.Join(errs...))
	}
	return nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
