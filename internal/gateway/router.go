package gateway

import (
	"context"

	"unigate/internal/domain"
	"unigate/internal/metrics"
)

// Run drains the inbound event queue until ctx is cancelled or the queue is
// closed. It is the only goroutine that applies event effects to the session
// registry, so events of one platform reach connections in emission order.
func (g *Gateway) Run(ctx context.Context) {
	g.logger.Info("event router started")
	events := g.queue.Subscribe()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("event router stopping")
			return
		case e, ok := <-events:
			if !ok {
				g.logger.Info("event queue closed, event router stopping")
				return
			}
			g.route(e)
		}
	}
}

func (g *Gateway) route(e domain.Event) {
	metrics.EventsRouted.Inc()

	if !g.apply(e) {
		g.logger.Debug("event not routed", "kind", e.Kind, "platform", e.Platform)
		return
	}

	n := g.conns.Broadcast(e)
	g.logger.Debug("event broadcast", "kind", e.Kind, "platform", e.Platform, "connections", n)

	if g.hooks != nil {
		g.hooks.Emit(e)
	}
}

// apply records the session effect of e and reports whether e should be
// broadcast. Stale status events and messages for platforms that are not
// authenticated are dropped.
func (g *Gateway) apply(e domain.Event) bool {
	if !e.Platform.Valid() {
		return false
	}
	switch e.Kind {
	case domain.EventPairingTokenRefreshed:
		if e.Token == nil {
			return false
		}
		return g.registry.OnPairingToken(e.Platform, *e.Token)
	case domain.EventSessionReady:
		var account domain.Account
		if e.Account != nil {
			account = *e.Account
		}
		return g.registry.OnReady(e.Platform, account)
	case domain.EventSessionLost:
		return g.registry.OnSessionLost(e.Platform, e.Reason, e.Err)
	case domain.EventMessageReceived:
		if e.Message == nil {
			return false
		}
		return g.registry.Status(e.Platform).IsAuthenticated()
	default:
		g.logger.Warn("unknown event kind", "kind", e.Kind, "platform", e.Platform)
		return false
	}
}
