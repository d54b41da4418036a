package pubsub

import (
	"context"
	"errors"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-crawler/internal/publisher"
)

type fakeResult struct {
	id  string
	err error
}

func (r fakeResult) Get(context.Context) (string, error) {
	return r.id, r.err
}

type fakeTopic struct {
	msgs    []*pubsub.Message
	failKey string
	stopped bool
}

func (f *fakeTopic) Publish(_ context.Context, msg *pubsub.Message) resultGetter {
	f.msgs = append(f.msgs, msg)
	if msg.OrderingKey == f.failKey {
		return fakeResult{err: errors.New("deadline exceeded")}
	}
	return fakeResult{id: "id"}
}

func (f *fakeTopic) Stop() {
	f.stopped = true
}

func TestPublisherPublish(t *testing.T) {
	t.Parallel()

	topic := &fakeTopic{}
	p := newWithTopic(topic)
	err := p.Publish(context.Background(),
		publisher.Message{Key: "job-1", Data: []byte("a"), Attributes: map[string]string{"type": "log"}},
		publisher.Message{Key: "job-2", Data: []byte("b")},
	)
	require.NoError(t, err)
	require.Len(t, topic.msgs, 2)
	require.Equal(t, "job-1", topic.msgs[0].OrderingKey)
	require.Equal(t, "log", topic.msgs[0].Attributes["type"])

	require.NoError(t, p.Close())
	require.True(t, topic.stopped)
}

func TestPublisherReportsPartialFailure(t *testing.T) {
	t.Parallel()

	p := newWithTopic(&fakeTopic{failKey: "bad"})
	err := p.Publish(context.Background(),
		publisher.Message{Key: "ok"},
		publisher.Message{Key: "bad"},
	)
	require.ErrorContains(t, err, "1/2 messages failed")
}

func TestPublisherRequiresTopic(t *testing.T) {
	t.Parallel()

	err := (&Publisher{}).Publish(context.Background(), publisher.Message{})
	require.Error(t, err)
}
