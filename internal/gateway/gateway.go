// Package gateway is the unified messaging core: it routes platform events
// from the inbound queue to live connections and serves point-to-point
// requests through the session registry's auth gate.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"unigate/internal/bus"
	"unigate/internal/chat"
	"unigate/internal/connection"
	"unigate/internal/domain"
	"unigate/internal/metrics"
	"unigate/internal/session"
)

// ErrEmptyText is wrapped in the SendError returned for blank messages.
var ErrEmptyText = errors.New("message text is empty")

// EventQueue is the consumer side of the inbound event queue.
type EventQueue interface {
	Subscribe() <-chan domain.Event
}

// Config wires a Gateway.
type Config struct {
	Registry    *session.Registry
	Connections *connection.Manager
	Queue       EventQueue
	// Hooks, when set, observe every broadcast event after delivery.
	Hooks *bus.EventBus
	// LaneDepth bounds the pending requests per connection lane.
	LaneDepth int
	Logger    *slog.Logger
}

// Gateway owns no state of its own; session state lives in the registry and
// subscriptions in the connection manager.
type Gateway struct {
	registry *session.Registry
	conns    *connection.Manager
	queue    EventQueue
	hooks    *bus.EventBus
	depth    int
	logger   *slog.Logger
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LaneDepth <= 0 {
		cfg.LaneDepth = defaultLaneDepth
	}
	return &Gateway{
		registry: cfg.Registry,
		conns:    cfg.Connections,
		queue:    cfg.Queue,
		hooks:    cfg.Hooks,
		depth:    cfg.LaneDepth,
		logger:   cfg.Logger.With("component", "gateway"),
	}
}

// Connections returns the connection manager.
func (g *Gateway) Connections() *connection.Manager { return g.conns }

// Status returns the session state of every configured platform.
func (g *Gateway) Status() []domain.SessionState { return g.registry.Snapshot() }

// PlatformStatus returns the session state of p.
func (g *Gateway) PlatformStatus(p domain.Platform) domain.SessionState {
	return g.registry.Status(p)
}

// Reset returns a Failed platform to Unauthenticated.
func (g *Gateway) Reset(p domain.Platform) bool { return g.registry.Reset(p) }

// Login starts authentication for p.
func (g *Gateway) Login(ctx context.Context, p domain.Platform, creds domain.Credentials) (domain.SessionState, error) {
	start := time.Now()
	state, err := g.registry.BeginLogin(ctx, p, creds)
	metrics.AdapterLatency(string(p), "login").Observe(time.Since(start).Seconds())
	return state, err
}

// ListAllConversations fetches every authenticated platform in parallel and
// merges the results. It never fails: a platform that is not authenticated or
// whose fetch fails contributes nothing and is flagged in PlatformStatus.
func (g *Gateway) ListAllConversations(ctx context.Context) chat.Merged {
	platforms := g.registry.Platforms()
	contribs := make([]chat.Contribution, len(platforms))

	var grp errgroup.Group
	for i, p := range platforms {
		grp.Go(func() error {
			contribs[i] = g.contribution(ctx, p)
			return nil
		})
	}
	_ = grp.Wait()

	return chat.Merge(contribs)
}

func (g *Gateway) contribution(ctx context.Context, p domain.Platform) chat.Contribution {
	c := chat.Contribution{Platform: p}

	adapter, err := g.registry.Acquire(p)
	if err != nil {
		c.Status = chat.PlatformStatus{State: string(g.registry.Status(p).Phase)}
		return c
	}

	start := time.Now()
	convs, err := guardedList(ctx, adapter)
	metrics.AdapterLatency(string(p), "list").Observe(time.Since(start).Seconds())
	if err != nil {
		g.logger.Warn("platform omitted from merge", "platform", p, "err", err)
		c.Status = chat.PlatformStatus{State: chat.StatusError, Error: domain.ErrorCode(err)}
		return c
	}

	c.Conversations = convs
	c.Status = chat.PlatformStatus{State: chat.StatusOK}
	return c
}

// FetchHistory returns the messages of one conversation in ascending time
// order.
func (g *Gateway) FetchHistory(ctx context.Context, p domain.Platform, id domain.ConversationID) ([]domain.Message, error) {
	if id.Platform != p {
		return nil, domain.NewPlatformError(domain.PlatformUnknown, p,
			fmt.Errorf("conversation %s does not belong to %s", id, p))
	}
	adapter, err := g.registry.Acquire(p)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	msgs, err := guardedHistory(ctx, adapter, id)
	metrics.AdapterLatency(string(p), "history").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, asPlatformError(p, err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	chat.SortMessages(msgs)
	return msgs, nil
}

// SendMessage sends text to a conversation. The result is returned to the
// caller only; nothing is broadcast.
func (g *Gateway) SendMessage(ctx context.Context, p domain.Platform, id domain.ConversationID, text string) (domain.Ack, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Ack{}, domain.NewSendError(domain.DeliveryFailed, p, ErrEmptyText)
	}
	if id.Platform != p {
		return domain.Ack{}, domain.NewSendError(domain.ConversationNotFound, p,
			fmt.Errorf("conversation %s does not belong to %s", id, p))
	}
	adapter, err := g.registry.Acquire(p)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) {
			return domain.Ack{}, domain.NewSendError(domain.SendUnauthenticated, p, err)
		}
		return domain.Ack{}, err
	}

	start := time.Now()
	ack, err := guardedSend(ctx, adapter, id, text)
	metrics.AdapterLatency(string(p), "send").Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.Ack{}, asSendError(p, err)
	}
	return ack, nil
}

func guardedList(ctx context.Context, a domain.Adapter) (convs []domain.Conversation, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = domain.NewPlatformError(domain.PlatformUnknown, a.Platform(), fmt.Errorf("adapter panic: %v", rec))
		}
	}()
	return a.ListConversations(ctx)
}

func guardedHistory(ctx context.Context, a domain.Adapter, id domain.ConversationID) (msgs []domain.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = domain.NewPlatformError(domain.PlatformUnknown, a.Platform(), fmt.Errorf("adapter panic: %v", rec))
		}
	}()
	return a.FetchHistory(ctx, id)
}

func guardedSend(ctx context.Context, a domain.Adapter, id domain.ConversationID, text string) (ack domain.Ack, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = domain.NewSendError(domain.DeliveryFailed, a.Platform(), fmt.Errorf("adapter panic: %v", rec))
		}
	}()
	return a.Send(ctx, id, text)
}

func asPlatformError(p domain.Platform, err error) error {
	var platformErr *domain.PlatformError
	if errors.As(err, &platformErr) {
		return err
	}
	return domain.NewPlatformError(domain.PlatformUnknown, p, err)
}

func asSendError(p domain.Platform, err error) error {
	var sendErr *domain.SendError
	if errors.As(err, &sendErr) {
		return err
	}
	if errors.Is(err, domain.ErrUnauthenticated) {
		return domain.NewSendError(domain.SendUnauthenticated, p, err)
	}
	return domain.NewSendError(domain.DeliveryFailed, p, err)
}
