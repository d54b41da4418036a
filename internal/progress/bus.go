package progress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrBusClosed is returned by Subscription.Next once the bus has shut down
// and the subscriber's buffer is drained.
var ErrBusClosed = errors.New("event bus closed")

const (
	defaultReplaySize       = 200
	defaultSubscriberBuffer = 256
)

// BusConfig sizes the bus buffers.
type BusConfig struct {
	ReplaySize       int
	SubscriberBuffer int
	Logger           *zap.Logger
	Now              func() time.Time
}

// Emitter publishes individual events. Bus and Hub both satisfy it so
// producers stay agnostic about buffering.
type Emitter interface {
	Emit(evt Event)
}

// Bus fans published events out to subscribers. Publish never blocks on a
// consumer: every subscriber owns a bounded buffer that drops its oldest
// event when full.
type Bus struct {
	cfg    BusConfig
	logger *zap.Logger

	mu      sync.Mutex
	seq     uint64
	replay  *ring
	subs    map[uint64]*Subscription
	nextSub uint64
	closed  bool
	outputs []Emitter

	dropLimiter rateLimiter
}

// NewBus builds a Bus; outputs receive every accepted event, typically a Hub.
// Outputs are called under the bus lock, so they must not block or publish
// back into the bus.
func NewBus(cfg BusConfig, outputs ...Emitter) *Bus {
	if cfg.ReplaySize < 0 {
		cfg.ReplaySize = 0
	} else if cfg.ReplaySize == 0 {
		cfg.ReplaySize = defaultReplaySize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg:         cfg,
		logger:      logger,
		replay:      newRing(cfg.ReplaySize),
		subs:        make(map[uint64]*Subscription),
		outputs:     append([]Emitter(nil), outputs...),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
}

// Emit publishes evt, discarding the assigned sequence number.
func (b *Bus) Emit(evt Event) {
	b.Publish(evt)
}

// Publish stamps evt with a sequence number (and a timestamp when missing),
// appends it to the replay buffer and every matching subscriber buffer, and
// returns the stamped event. Invalid events and events published after Close
// are discarded and returned with Seq 0.
func (b *Bus) Publish(evt Event) Event {
	if b == nil {
		return evt
	}
	if evt.TS.IsZero() {
		evt.TS = b.cfg.Now()
	}
	if err := evt.Validate(); err != nil {
		b.logger.Debug("discarding invalid event", zap.Error(err))
		return evt
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return evt
	}
	b.seq++
	evt.Seq = b.seq
	b.replay.push(evt)
	var dropped int64
	for _, sub := range b.subs {
		if sub.offer(evt) {
			dropped++
		}
	}
	// Outputs see events in sequence order.
	for _, out := range b.outputs {
		out.Emit(evt)
	}
	b.mu.Unlock()

	if dropped > 0 && b.dropLimiter.Allow(time.Now()) {
		b.logger.Warn("slow subscribers lost events", zap.Int64("subscribers", dropped))
	}
	return evt
}

// Subscribe registers a subscriber. When jobID is non-empty only that job's
// events are delivered. The subscriber first receives the replay buffer
// (oldest first, filtered) and then live events with no gap or duplicate.
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		bus:    b,
		jobID:  jobID,
		buf:    newRing(b.cfg.SubscriberBuffer),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.done)
		return sub
	}
	b.nextSub++
	sub.id = b.nextSub
	for _, evt := range b.replay.snapshot() {
		sub.offer(evt)
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Replay returns a copy of the replay buffer, oldest first.
func (b *Bus) Replay() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replay.snapshot()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting events and closes every subscription. Buffered events
// remain readable until drained. It is safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.markClosed()
		delete(b.subs, id)
	}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id     uint64
	bus    *Bus
	jobID  string
	notify chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	buf     *ring
	closed  bool
	dropped atomic.Int64
	once    sync.Once
}

// offer enqueues evt when it matches the filter and reports whether an older
// event was dropped to make room.
func (s *Subscription) offer(evt Event) bool {
	if s.jobID != "" && evt.JobID != s.jobID {
		return false
	}
	s.mu.Lock()
	evicted := s.buf.push(evt)
	s.mu.Unlock()
	if evicted {
		s.dropped.Add(1)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return evicted
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Next blocks until an event is available, ctx is done, or the bus closes
// and the buffer is drained.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		evt, ok := s.buf.pop()
		closed := s.closed
		s.mu.Unlock()
		if ok {
			return evt, nil
		}
		if closed {
			return Event{}, ErrBusClosed
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// Pending returns the number of buffered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.len()
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes; buffered events are discarded.
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.unsubscribe(s.id)
	}
	s.mu.Lock()
	s.buf = newRing(0)
	s.mu.Unlock()
	s.markClosed()
}
