package events

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	defaultSubscriberBuffer = 256
	defaultHistoryCapacity  = 128
)

// BusOption adjusts the behaviour of the bus.
type BusOption func(*busConfig)

type busConfig struct {
	historyCapacity int
	now             func() time.Time
}

// WithHistoryCapacity sets the number of recent events retained for inspection.
func WithHistoryCapacity(capacity int) BusOption {
	return func(cfg *busConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithBusClock overrides the clock used to stamp events that carry no time.
func WithBusClock(now func() time.Time) BusOption {
	return func(cfg *busConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Bus fans events out to subscribers. Emit never blocks: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	history ring[Event]
	now     func() time.Time
	metrics *busMetrics
}

// Subscription receives events published after it was created.
type Subscription struct {
	id     uint64
	bus    *Bus
	filter func(Event) bool
	ch     chan Event
	once   sync.Once
}

// C returns the delivery channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.id)
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}

// NewBus constructs an event bus.
func NewBus(opts ...BusOption) *Bus {
	cfg := busConfig{historyCapacity: defaultHistoryCapacity, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		history: newRing[Event](cfg.historyCapacity),
		now:     cfg.now,
		metrics: sharedBusMetrics(),
	}
}

// Subscribe registers a subscriber with the supplied buffer size. A nil filter
// receives every event.
func (b *Bus) Subscribe(buffer int, filter func(Event) bool) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, bus: b, filter: filter, ch: make(chan Event, buffer)}
	if b.closed {
		sub.closeChannel()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Emit implements Emitter.
func (b *Bus) Emit(evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = b.now().UTC()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.history.push(evt)
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range targets {
		if _, live := b.subs[sub.id]; !live {
			continue
		}
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.metrics.recordDropped(evt.Type)
		}
	}
}

// Recent returns a snapshot of the most recently emitted events, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, b.history.len())
	b.history.forEach(func(evt Event) { out = append(out, evt) })
	return out
}

// Close detaches every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closeChannel()
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sub.closeChannel()
	}
}

// Drain consumes a subscription until ctx is cancelled or the channel closes.
func Drain(ctx context.Context, sub *Subscription, handle func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			handle(evt)
		}
	}
}

var (
	busMetricsOnce sync.Once
	busMetricsInst *busMetrics
)

type busMetrics struct {
	dropped metric.Int64Counter
}

func sharedBusMetrics() *busMetrics {
	busMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("tradeguard/events")
		counter, err := meter.Int64Counter("tradeguard.events.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("tradeguard/events")
			counter, _ = fallback.Int64Counter("tradeguard.events.dropped")
		}
		busMetricsInst = &busMetrics{dropped: counter}
	})
	return busMetricsInst
}

func (m *busMetrics) recordDropped(eventType string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if len(r.buf) == 0 {
		return
	}
	if r.size == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}
