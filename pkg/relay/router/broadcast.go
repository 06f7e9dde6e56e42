package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/conn"
	"github.com/relaymsg/relay/pkg/relay/wire"
)

// broadcast pushes a route message with verb to every connection listening
// on route, skipping exceptConn (if non-nil) and any a matching outbound
// layer's validator rejects. Each push goes through the listener's
// SendToRoute, so a listener that's gone dark gets it buffered by its own
// Connection's reconnect queue rather than blocking the broadcast.
func (r *Router) broadcast(ctx context.Context, verb wire.Verb, route string, data any, exceptConn *conn.Connection) error {
	r.mu.RLock()
	listeners := make([]*conn.Connection, 0, len(r.subscriptions[route]))
	for c := range r.subscriptions[route] {
		listeners = append(listeners, c)
	}
	validator := r.matchingValidator(route)
	r.mu.RUnlock()

	for _, c := range listeners {
		if c == exceptConn {
			continue
		}

		if validator != nil && !validator(c, route, data) {
			if r.metrics.skipped != nil {
				r.metrics.skipped.Add(ctx, 1)
			}
			continue
		}

		if _, _, err := c.SendToRoute(ctx, route, verb, data, nil); err != nil {
			r.logger.Debug("router: broadcast push failed", zap.Error(err))
		}
	}

	if r.metrics.broadcasts != nil {
		r.metrics.broadcasts.Add(ctx, 1)
	}

	return nil
}

func (r *Router) matchingValidator(route string) BroadcastValidator {
	for _, layer := range r.outbound {
		if _, ok := layer.pattern.Match(route); ok {
			return layer.validator
		}
	}
	return nil
}

// BroadcastPost pushes a creation event for route to its listeners,
// excluding exceptConn (typically the connection whose own request
// triggered the event, to avoid echoing it back to itself). Pass nil to
// exclude no one.
func (r *Router) BroadcastPost(ctx context.Context, route string, data any, exceptConn *conn.Connection) error {
	return r.broadcast(ctx, wire.VerbPost, route, data, exceptConn)
}

// BroadcastUpdate pushes an update event for route to its listeners,
// excluding exceptConn. Pass nil to exclude no one.
func (r *Router) BroadcastUpdate(ctx context.Context, route string, data any, exceptConn *conn.Connection) error {
	return r.broadcast(ctx, wire.VerbUpdate, route, data, exceptConn)
}

// BroadcastDeletion pushes a deletion event for route to its listeners,
// excluding exceptConn. Pass nil to exclude no one.
func (r *Router) BroadcastDeletion(ctx context.Context, route string, data any, exceptConn *conn.Connection) error {
	return r.broadcast(ctx, wire.VerbDelete, route, data, exceptConn)
}

// SubscribeConnectionToRoute lets server-side code subscribe a connection
// to a route on its behalf, without that connection having sent an "on".
func (r *Router) SubscribeConnectionToRoute(c *conn.Connection, route string) error {
	return r.HandleSubscribe(context.Background(), c, route)
}

// UnsubscribeConnectionFromRoute is the server-initiated counterpart to
// SubscribeConnectionToRoute.
func (r *Router) UnsubscribeConnectionFromRoute(c *conn.Connection, route string) error {
	return r.HandleUnsubscribe(context.Background(), c, route)
}
