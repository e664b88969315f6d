package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler consumes one event. Errors and panics are logged and never reach
// the publisher or other subscribers.
type Handler func(ctx context.Context, ev Event) error

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// Bus fans events out to subscribers. Each subscription has its own queue
// and goroutine so a slow handler only delays itself.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
	wg     sync.WaitGroup

	logger *slog.Logger
	now    func() time.Time
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bus")
	return b
}

// Publish emits payload on topic with a fresh correlation id and returns it.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) (string, error) {
	id := uuid.NewString()
	if err := b.PublishWithID(ctx, topic, payload, id, ""); err != nil {
		return "", err
	}
	return id, nil
}

// PublishWithID emits payload on topic under an existing correlation id.
// Source names the publishing hat and may be empty.
func (b *Bus) PublishWithID(ctx context.Context, topic Topic, payload any, correlationID, source string) error {
	if !topic.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ev := Event{
		Topic:         topic,
		Payload:       data,
		CorrelationID: correlationID,
		Timestamp:     b.now().UTC(),
		Source:        source,
	}

	// Enqueue under the bus lock so every subscriber observes one global order.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs {
		if sub.matches(topic) {
			sub.enqueue(ev)
		}
	}
	return nil
}

// Subscribe registers handler for one topic.
func (b *Bus) Subscribe(topic Topic, name string, handler Handler) (*Subscription, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return b.subscribe(map[Topic]bool{topic: true}, name, handler)
}

// SubscribeAll registers handler for every topic.
func (b *Bus) SubscribeAll(name string, handler Handler) (*Subscription, error) {
	return b.subscribe(nil, name, handler)
}

func (b *Bus) subscribe(topics map[Topic]bool, name string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscriber %q has no handler", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{
		name:    name,
		topics:  topics,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		bus:     b,
		logger:  b.logger.With("subscriber", name),
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go sub.run()
	return sub, nil
}

// Close stops accepting events, lets every subscriber drain its queue and
// waits for all subscriber goroutines to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := append([]*Subscription(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
}

func (b *Bus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Subscription is one registered handler with its private queue.
type Subscription struct {
	name    string
	topics  map[Topic]bool
	handler Handler

	mu       sync.Mutex
	queue    []Event
	stopping bool
	signal   chan struct{}
	done     chan struct{}

	bus    *Bus
	logger *slog.Logger
}

// Name returns the subscriber name.
func (s *Subscription) Name() string {
	return s.name
}

// Unsubscribe detaches the subscription after its queued events are handled.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
	s.stop()
	<-s.done
}

func (s *Subscription) matches(topic Topic) bool {
	return s.topics == nil || s.topics[topic]
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) run() {
	defer s.bus.wg.Done()
	defer close(s.done)
	for range s.signal {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		stopping := s.stopping
		s.mu.Unlock()

		for _, ev := range batch {
			s.deliver(ev)
		}
		if stopping {
			// Events enqueued between the swap and now were rejected by enqueue.
			return
		}
	}
}

func (s *Subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked", "topic", ev.Topic, "correlation_id", ev.CorrelationID, "panic", r)
		}
	}()
	if err := s.handler(context.Background(), ev); err != nil {
		s.logger.Warn("subscriber failed", "topic", ev.Topic, "correlation_id", ev.CorrelationID, "error", err)
	}
}
