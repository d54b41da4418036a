// Package publisher defines the broker-agnostic message export contract used
// to ship crawl events off-process.
package publisher

import "context"

// Message is one outbound record. Key groups related messages (the job ID)
// so brokers that partition or order by key keep a job's events together.
type Message struct {
	Key        string
	Data       []byte
	Attributes map[string]string
}

// Publisher sends batches of messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}
