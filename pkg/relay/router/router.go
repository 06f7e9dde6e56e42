// Package router dispatches inbound "route" requests to registered
// handlers by verb and path pattern, tracks which connections listen on
// which concrete routes, and fans broadcasts out to those listeners. It
// implements conn.Callbacks, so a Router is the thing a conn.Connection
// calls back into; router depends on conn, never the reverse.
package router

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/conn"
	"github.com/relaymsg/relay/pkg/relay/o11y"
	"github.com/relaymsg/relay/pkg/relay/transport"
	"github.com/relaymsg/relay/pkg/relay/wire"
)

// Request is handed to an inbound Handler.
type Request struct {
	Ctx      context.Context
	Conn     *conn.Connection
	Route    string
	Verb     wire.Verb
	Data     any
	Headers  map[string]string
	Captures map[string]string
}

// Handler answers an inbound "route" request with a status code and a
// result body to carry back in the "res".
type Handler func(req *Request) (status int, result any)

// BroadcastValidator decides whether a specific listener should receive a
// specific broadcast. Returning false silently skips that listener; it is
// not an error condition.
type BroadcastValidator func(listener *conn.Connection, route string, data any) bool

// inboundLayer holds one path pattern and every verb handler registered
// against it. A second registration for a verb already present overwrites
// its handler; different verbs on the same pattern coexist on one layer, so
// "pattern matched, no verb matched" can be told apart from "no pattern
// matched at all".
type inboundLayer struct {
	pattern *Pattern
	verbs   []verbHandler
}

type verbHandler struct {
	verb    wire.Verb
	handler Handler
}

func (l *inboundLayer) setVerb(verb wire.Verb, h Handler) {
	for i := range l.verbs {
		if l.verbs[i].verb == verb {
			l.verbs[i].handler = h
			return
		}
	}
	l.verbs = append(l.verbs, verbHandler{verb: verb, handler: h})
}

// handlerFor returns the handler registered for verb, falling back to a
// VerbAny entry if one is present and no exact match is.
func (l *inboundLayer) handlerFor(verb wire.Verb) (Handler, bool) {
	var any Handler
	haveAny := false

	for _, v := range l.verbs {
		if v.verb == verb {
			return v.handler, true
		}
		if v.verb == wire.VerbAny {
			any, haveAny = v.handler, true
		}
	}

	return any, haveAny
}

type outboundLayer struct {
	pattern   *Pattern
	validator BroadcastValidator
}

// Router is safe for concurrent use.
type Router struct {
	logger  *zap.Logger
	obs     *o11y.ObservabilityConfig
	connCfg conn.Config

	mu            sync.RWMutex
	inbound       []inboundLayer
	outbound      []outboundLayer
	directory     map[string]*conn.Connection
	subscriptions map[string]map[*conn.Connection]struct{}

	metrics *routerMetrics
}

type routerMetrics struct {
	accepted    o11y.Counter
	broadcasts  o11y.Counter
	skipped     o11y.Counter
	notFound    o11y.Counter
}

func newRouterMetrics(obs *o11y.ObservabilityConfig) *routerMetrics {
	m := &routerMetrics{}
	if obs == nil || obs.MetricsProvider == nil {
		return m
	}

	p := obs.MetricsProvider
	m.accepted = p.Counter("relay_router_connections_accepted_total")
	m.broadcasts = p.Counter("relay_router_broadcasts_total")
	m.skipped = p.Counter("relay_router_broadcast_skipped_total")
	m.notFound = p.Counter("relay_router_route_not_found_total")
	return m
}

// New constructs an empty Router. connCfg tunes every Connection the Router
// accepts via AddSocket.
func New(logger *zap.Logger, connCfg conn.Config, obs *o11y.ObservabilityConfig) *Router {
	return &Router{
		logger:        logger,
		obs:           obs,
		connCfg:       connCfg,
		directory:     make(map[string]*conn.Connection),
		subscriptions: make(map[string]map[*conn.Connection]struct{}),
		metrics:       newRouterMetrics(obs),
	}
}

func (r *Router) on(verb wire.Verb, pattern string, h Handler) error {
	p, err := Compile(pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.inbound {
		if r.inbound[i].pattern.String() == p.String() {
			r.inbound[i].setVerb(verb, h)
			return nil
		}
	}

	layer := inboundLayer{pattern: p}
	layer.setVerb(verb, h)
	r.inbound = append(r.inbound, layer)
	return nil
}

// OnGet registers h for GET requests matching pattern.
func (r *Router) OnGet(pattern string, h Handler) error { return r.on(wire.VerbGet, pattern, h) }

// OnPost registers h for POST requests matching pattern.
func (r *Router) OnPost(pattern string, h Handler) error { return r.on(wire.VerbPost, pattern, h) }

// OnUpdate registers h for UPDATE requests matching pattern.
func (r *Router) OnUpdate(pattern string, h Handler) error { return r.on(wire.VerbUpdate, pattern, h) }

// OnDelete registers h for DELETE requests matching pattern.
func (r *Router) OnDelete(pattern string, h Handler) error { return r.on(wire.VerbDelete, pattern, h) }

// OnAny registers h as the fallback for every verb on pattern: a
// verb-specific handler on the same pattern takes precedence over it,
// whichever of the two was registered first.
func (r *Router) OnAny(pattern string, h Handler) error { return r.on(wire.VerbAny, pattern, h) }

// OnValidateBroadcast registers a validator that gates delivery of
// broadcasts whose route matches pattern. The first registered layer whose
// pattern matches a given broadcast's route is the one consulted; later
// matching layers are never reached, mirroring inbound layer semantics.
func (r *Router) OnValidateBroadcast(pattern string, validator BroadcastValidator) error {
	p, err := Compile(pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound = append(r.outbound, outboundLayer{pattern: p, validator: validator})
	return nil
}

// AddSocket accepts a new peer session over t and starts its protocol
// engine. If reconnectSecret is non-empty, it is tried first against the
// connection directory: a hit reattaches t to the existing Connection
// instead of starting a new one, resuming its session identity. A fresh
// Connection's secret is unknown until the client announces it over the
// wire (see HandleDataSet), so it is not registered in the directory here.
func (r *Router) AddSocket(ctx context.Context, t transport.Transport, reconnectSecret string) (*conn.Connection, error) {
	if reconnectSecret != "" {
		if c, err := r.Reattach(reconnectSecret, t); err == nil {
			return c, nil
		}
	}

	c := conn.New(conn.RoleServer, t, r, r.connCfg, r.logger, r.obs)

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("router: start connection: %w", err)
	}

	if r.metrics.accepted != nil {
		r.metrics.accepted.Add(ctx, 1)
	}

	return c, nil
}

// Reattach looks up a previously accepted connection by its reconnect
// secret and swaps in a new transport for it. Used when a peer reconnects
// with the secret the client generated at its prior open.
func (r *Router) Reattach(secret string, t transport.Transport) (*conn.Connection, error) {
	r.mu.RLock()
	c, ok := r.directory[secret]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("router: unknown reconnect secret")
	}

	return c, c.SetStrategy(t)
}

// ConnectionBySecret looks up a directory entry without attaching anything.
func (r *Router) ConnectionBySecret(secret string) (*conn.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.directory[secret]
	return c, ok
}
