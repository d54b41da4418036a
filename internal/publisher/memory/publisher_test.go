package memory

import (
	"context"
	"testing"

	"github.com/JakeFAU/magnet-crawler/internal/publisher"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	if err := pub.Publish(context.Background(),
		publisher.Message{Key: "a", Data: []byte("1")},
		publisher.Message{Key: "b", Data: []byte("2")},
	); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Key != "a" || msgs[1].Key != "b" {
		t.Fatalf("keys not recorded correctly: %+v", msgs)
	}

	msgs[0].Key = "modified"
	if pub.Messages()[0].Key == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
	if err := pub.Close(); err != nil || !pub.Closed() {
		t.Fatal("expected publisher to be closed")
	}
}
