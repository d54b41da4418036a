package progress

import "context"

// Sink consumes batches of events exported by the Hub. Implementations must
// be safe for repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
