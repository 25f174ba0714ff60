// Package relay mirrors broadcast gateway events to an AMQP topic exchange
// for consumers outside the process. Delivery is best effort: events that do
// not fit the buffer are dropped and logged.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"unigate/internal/domain"
	"unigate/internal/protocol"
)

const (
	defaultBuffer  = 256
	publishTimeout = 5 * time.Second
	producer       = "unigate"
)

// Config configures a Relay.
type Config struct {
	Publisher Publisher
	Buffer    int
	Logger    *slog.Logger
}

// Relay queues routed events and publishes them from its own goroutine, so
// the event router never waits on the broker.
type Relay struct {
	pub    Publisher
	queue  chan domain.Event
	logger *slog.Logger

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

// New creates a Relay. Call Run to start publishing.
func New(cfg Config) *Relay {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		pub:    cfg.Publisher,
		queue:  make(chan domain.Event, cfg.Buffer),
		logger: cfg.Logger.With("component", "relay"),
		done:   make(chan struct{}),
	}
}

// Enqueue queues e without blocking. It has the signature of an event hook.
func (r *Relay) Enqueue(e domain.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("relay queue full, event dropped", "kind", e.Kind, "platform", e.Platform)
	}
}

// Run publishes queued events until Stop is called, then drains what is left.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.done)
	for e := range r.queue {
		r.publish(ctx, e)
	}
}

// Stop stops accepting events, waits for the queue to drain and closes the
// publisher.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return r.pub.Close()
}

func (r *Relay) publish(ctx context.Context, e domain.Event) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     EventType(e.Kind),
			Producer: producer,
			Time:     e.Timestamp,
		},
		Data: protocol.FromDomain(e),
	}
	if err := r.pub.Publish(pctx, RoutingKey(e), env); err != nil {
		r.logger.Warn("relay publish failed", "kind", e.Kind, "platform", e.Platform, "err", err)
	}
}

// RoutingKey is "unigate.<platform>.<kind>".
func RoutingKey(e domain.Event) string {
	return producer + "." + string(e.Platform) + "." + string(e.Kind)
}

// EventType is the versioned envelope type of an event kind.
func EventType(kind domain.EventKind) string {
	return producer + "." + string(kind) + ".v1"
}
