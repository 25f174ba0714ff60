package bus

import (
	"log/slog"
	"sync"
	"time"

	"unigate/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// InMemoryBus is the single inbound event queue: adapters publish from their
// own goroutines, the router drains it from one goroutine. FIFO order of the
// channel preserves each adapter's emission order.
type InMemoryBus struct {
	inbound        chan domain.Event
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound:        make(chan domain.Event, bufferSize),
		publishTimeout: defaultPublishTimeout,
		logger:         logger.With("component", "bus"),
	}
}

// Publish enqueues an event. Blocks up to the publish timeout if the queue is
// full instead of dropping immediately.
func (b *InMemoryBus) Publish(e domain.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "kind", e.Kind, "platform", e.Platform)
		return
	}

	select {
	case b.inbound <- e:
	default:
		b.logger.Warn("event queue full, waiting", "kind", e.Kind, "platform", e.Platform)
		timer := time.NewTimer(b.publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- e:
			b.logger.Info("event delivered after wait", "kind", e.Kind, "platform", e.Platform)
		case <-timer.C:
			b.logger.Error("event dropped: queue full",
				"kind", e.Kind,
				"platform", e.Platform,
				"waited", b.publishTimeout,
			)
		}
	}
}

// Subscribe returns the queue. There is exactly one consumer.
func (b *InMemoryBus) Subscribe() <-chan domain.Event {
	return b.inbound
}

// Len reports the number of queued events.
func (b *InMemoryBus) Len() int {
	return len(b.inbound)
}

// Close stops accepting events and closes the queue so the consumer drains and exits.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}

var _ domain.EventSink = (*InMemoryBus)(nil)
