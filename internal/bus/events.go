package bus

import (
	"log/slog"
	"strconv"
	"sync"

	"unigate/internal/domain"
)

// Wildcard subscribes a hook to every event kind.
const Wildcard domain.EventKind = "*"

// EventHandler observes a routed event.
type EventHandler func(domain.Event)

// EventBus lets secondary consumers (relay, metrics) observe events after the
// router has delivered them to connections. Handlers run synchronously on the
// router goroutine, in registration order, and must not block.
type EventBus struct {
	handlers map[domain.EventKind][]namedHandler
	nextID   int
	mu       sync.RWMutex
	logger   *slog.Logger
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates an empty EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[domain.EventKind][]namedHandler),
		logger:   logger.With("component", "hooks"),
	}
}

// On registers a handler for the given kind, or Wildcard for all kinds.
// Returns the handler ID for Off.
func (eb *EventBus) On(kind domain.EventKind, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := string(kind) + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[kind] = append(eb.handlers[kind], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(kind domain.EventKind, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[kind]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[kind] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit calls every handler for e.Kind followed by the wildcard handlers.
// A panicking handler is logged and does not stop the others.
func (eb *EventBus) Emit(e domain.Event) {
	eb.mu.RLock()
	handlers := make([]namedHandler, 0, len(eb.handlers[e.Kind])+len(eb.handlers[Wildcard]))
	handlers = append(handlers, eb.handlers[e.Kind]...)
	handlers = append(handlers, eb.handlers[Wildcard]...)
	eb.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "kind", e.Kind, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(e)
		}(h)
	}
}
