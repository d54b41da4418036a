package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/JakeFAU/magnet-crawler/internal/progress"
	"github.com/JakeFAU/magnet-crawler/internal/publisher"
)

// PublishSink serialises events as JSON and sends each batch to a broker.
type PublishSink struct {
	pub publisher.Publisher
}

// NewPublishSink wraps pub.
func NewPublishSink(pub publisher.Publisher) *PublishSink {
	return &PublishSink{pub: pub}
}

// Consume publishes the batch; events keep their bus order and are keyed by job.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	msgs := make([]publisher.Message, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", evt.Seq, err)
		}
		key := evt.JobID
		if key == "" {
			key = "system"
		}
		msgs = append(msgs, publisher.Message{
			Key:  key,
			Data: data,
			Attributes: map[string]string{
				"type": string(evt.Type),
				"seq":  strconv.FormatUint(evt.Seq, 10),
			},
		})
	}
	if err := s.pub.Publish(ctx, msgs...); err != nil {
		return fmt.Errorf("publish events: %w", err)
	}
	return nil
}

// Close releases the publisher.
func (s *PublishSink) Close(context.Context) error {
	if err := s.pub.Close(); err != nil {
		return fmt.Errorf("close publisher: %w", err)
	}
	return nil
}
