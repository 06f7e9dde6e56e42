package router

import (
	"context"
	"fmt"

	"github.com/relaymsg/relay/pkg/relay/conn"
	"github.com/relaymsg/relay/pkg/relay/wire"
)

// HandleRoute implements conn.Callbacks. It walks the inbound layers in
// registration order and dispatches to the first one whose pattern matches
// the route. A pattern match with no matching verb entry on that layer is a
// verb mismatch (400), distinct from no pattern matching at all (404).
func (r *Router) HandleRoute(ctx context.Context, from *conn.Connection, route string, verb wire.Verb, data any, headers map[string]string) (int, any) {
	if err := ValidateConcrete(route); err != nil {
		return wire.StatusBadRequest, err.Error()
	}

	r.mu.RLock()
	layers := r.inbound
	r.mu.RUnlock()

	for _, layer := range layers {
		captures, ok := layer.pattern.Match(route)
		if !ok {
			continue
		}

		handler, ok := layer.handlerFor(verb)
		if !ok {
			return wire.StatusBadRequest, fmt.Sprintf("Route %q does not support verb %q", route, verb)
		}

		req := &Request{
			Ctx:      ctx,
			Conn:     from,
			Route:    route,
			Verb:     verb,
			Data:     data,
			Headers:  headers,
			Captures: captures,
		}
		return handler(req)
	}

	if r.metrics.notFound != nil {
		r.metrics.notFound.Add(ctx, 1)
	}
	return wire.StatusNotFound, fmt.Sprintf("no handler for %s %s", verb, route)
}

// HandleSubscribe implements conn.Callbacks, recording from as a listener
// on the concrete route.
func (r *Router) HandleSubscribe(ctx context.Context, from *conn.Connection, route string) error {
	if err := ValidateConcrete(route); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	listeners, ok := r.subscriptions[route]
	if !ok {
		listeners = make(map[*conn.Connection]struct{})
		r.subscriptions[route] = listeners
	}
	listeners[from] = struct{}{}

	return nil
}

// HandleUnsubscribe implements conn.Callbacks.
func (r *Router) HandleUnsubscribe(ctx context.Context, from *conn.Connection, route string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeListenerLocked(route, from)
	return nil
}

// HandleDataSet implements conn.Callbacks. The only key the router itself
// cares about is "secret": the first time a connection announces it, the
// connection is adopted into the reconnect directory under that value.
func (r *Router) HandleDataSet(from *conn.Connection, key string, value any) {
	if key != "secret" {
		return
	}

	s, ok := value.(string)
	if !ok || s == "" {
		return
	}

	if !from.AdoptSecret(s) {
		return
	}

	r.mu.Lock()
	r.directory[s] = from
	r.mu.Unlock()
}

// HandleClosed implements conn.Callbacks: once a connection's grace-close
// window lapses with no reconnect, it is removed from the directory and
// from every route it listened on.
func (r *Router) HandleClosed(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for route, listeners := range r.subscriptions {
		if _, ok := listeners[c]; ok {
			delete(listeners, c)
			if len(listeners) == 0 {
				delete(r.subscriptions, route)
			}
		}
	}

	delete(r.directory, c.Secret())
}

func (r *Router) removeListenerLocked(route string, c *conn.Connection) {
	listeners, ok := r.subscriptions[route]
	if !ok {
		return
	}

	delete(listeners, c)
	if len(listeners) == 0 {
		delete(r.subscriptions, route)
	}
}
