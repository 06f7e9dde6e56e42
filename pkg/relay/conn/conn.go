// Package conn implements the per-peer protocol engine: id allocation,
// outbound retry, inbound dedup, ping/pong liveness, rate limiting, and
// reconnect buffering on top of a transport.Transport. All mutable state is
// owned by a single goroutine reached only through the mailbox channel,
// following the same ownership discipline the event bus in this codebase's
// lineage uses for its subscription map.
package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/o11y"
	"github.com/relaymsg/relay/pkg/relay/secret"
	"github.com/relaymsg/relay/pkg/relay/tracked"
	"github.com/relaymsg/relay/pkg/relay/transport"
	"github.com/relaymsg/relay/pkg/relay/wire"
)

// Role distinguishes the server-accepted end of a connection (which learns
// the reconnect secret from its peer's "set") from the dialing end (which
// mints it and sends it once the transport opens).
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Config tunes the protocol engine. Zero-value fields fall back to the
// values DefaultConfig returns.
type Config struct {
	RetryInterval time.Duration // how often the retry scan runs
	RetryTimeout  time.Duration // how long an unacked send waits before resend
	MaxRetries    int           // 0 means unbounded retries
	PingInterval  time.Duration
	PongTimeout   time.Duration
	RateLimit     int // advisory messages/sec before rateLimited is incremented
	GraceClose    time.Duration
	DedupTTL      time.Duration
}

// DefaultConfig matches the values the accompanying specification document
// calls out: 3s retry timeout, 5s ping interval, 100 msg/sec advisory rate
// limit, 5s grace-close window.
func DefaultConfig() Config {
	return Config{
		RetryInterval: 10 * time.Millisecond,
		RetryTimeout:  3 * time.Second,
		MaxRetries:    0,
		PingInterval:  5 * time.Second,
		PongTimeout:   10 * time.Second,
		RateLimit:     100,
		GraceClose:    5 * time.Second,
		DedupTTL:      time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = d.RetryTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.GraceClose <= 0 {
		c.GraceClose = d.GraceClose
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = d.DedupTTL
	}
	return c
}

// Callbacks is implemented by whatever owns routing decisions for a
// Connection — in practice a router.Router. conn never imports router: it
// depends on this interface instead, so the dependency runs router -> conn,
// not the other way around.
type Callbacks interface {
	// HandleRoute answers a "route" request, returning the status and body
	// of the "res" to send back.
	HandleRoute(ctx context.Context, from *Connection, route string, verb wire.Verb, data any, headers map[string]string) (status int, result any)

	// HandleSubscribe processes an "on" request.
	HandleSubscribe(ctx context.Context, from *Connection, route string) error

	// HandleUnsubscribe processes an "off" request.
	HandleUnsubscribe(ctx context.Context, from *Connection, route string) error

	// HandleDataSet is invoked whenever the peer sets a header value,
	// including the initial "secret" set a client sends on open so the
	// router can learn this Connection's reconnect identity.
	HandleDataSet(from *Connection, key string, value any)

	// HandleClosed is invoked once a Connection's grace-close window
	// expires with no reconnect, or when Stop tears the Connection down
	// without waiting for that window. It is the signal to drop the connection
	// from any directory and clean up its subscriptions.
	HandleClosed(conn *Connection)
}

type pendingSend struct {
	env      wire.Envelope
	outcome  *tracked.Outcome[wire.RouteResponse]
	sentAt   time.Time
	attempts int
}

// Connection is the protocol engine for one peer session. It survives
// transport reattachment across reconnects: the secret, id counter, pending
// sends, and dedup log all outlive any one Transport.
type Connection struct {
	id        string
	role      Role
	cfg       Config
	logger    *zap.Logger
	callbacks Callbacks
	metrics   *connMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cmds   chan func()

	mu        sync.Mutex
	transport transport.Transport
	connected bool

	secret string
	header map[string]any

	nextID           wire.MID
	messagesToAck    map[wire.MID]*pendingSend
	receivedMessages map[wire.MID]*receivedEntry
	resendQueue      []wire.Envelope

	rateWindowStart      time.Time
	messagesSentInWindow int

	lastPong time.Time

	closing    bool
	graceTimer *time.Timer
}

type connMetrics struct {
	sent        o11y.Counter
	received    o11y.Counter
	retried     o11y.Counter
	rateLimited o11y.Counter
	dropped     o11y.Counter
	dedup       o11y.Counter
}

func newConnMetrics(obs *o11y.ObservabilityConfig) *connMetrics {
	m := &connMetrics{}
	if obs == nil || obs.MetricsProvider == nil {
		return m
	}

	p := obs.MetricsProvider
	m.sent = p.Counter("relay_conn_messages_sent_total")
	m.received = p.Counter("relay_conn_messages_received_total")
	m.retried = p.Counter("relay_conn_messages_retried_total")
	m.rateLimited = p.Counter("relay_conn_rate_limited_total")
	m.dropped = p.Counter("relay_conn_messages_dropped_total")
	m.dedup = p.Counter("relay_conn_duplicate_messages_total")
	return m
}

// New constructs a Connection around t, not yet started. Use Start to begin
// the protocol engine and open the transport.
func New(role Role, t transport.Transport, callbacks Callbacks, cfg Config, logger *zap.Logger, obs *o11y.ObservabilityConfig) *Connection {
	c := &Connection{
		id:               uuid.NewString(),
		role:             role,
		cfg:              cfg.withDefaults(),
		logger:           logger,
		callbacks:        callbacks,
		metrics:          newConnMetrics(obs),
		transport:        t,
		cmds:             make(chan func(), 256),
		header:           make(map[string]any),
		messagesToAck:    make(map[wire.MID]*pendingSend),
		receivedMessages: make(map[wire.MID]*receivedEntry),
	}

	if role == RoleClient {
		c.secret = secret.MustNew()
	}

	return c
}

// ID returns this Connection's log-correlation identifier. Unlike Secret,
// it exists for both roles and never changes across reconnects, so it is
// the identifier to use in log fields and traces.
func (c *Connection) ID() string {
	return c.id
}

// Secret returns the reconnect secret identifying this session. Only
// meaningful once the connection has opened.
func (c *Connection) Secret() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secret
}

// AdoptSecret records the reconnect secret a client announced over the
// wire, the one time the server-side end of a Connection learns it. It
// reports false if a secret was already adopted, so a second "set secret"
// from a confused peer can't hijack an established identity.
func (c *Connection) AdoptSecret(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.secret != "" {
		return false
	}
	c.secret = s
	return true
}

// Header returns a value the peer previously stored with a "set" message.
func (c *Connection) Header(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.header[key]
	return v, ok
}

// Start opens the transport and begins the engine's mailbox goroutine.
func (c *Connection) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.transport.OnMessage(func(env wire.Envelope) {
		c.enqueue(func() { c.handleInbound(env) })
	})
	c.transport.OnOpen(func() {
		c.enqueue(func() { c.handleOpen() })
	})
	c.transport.OnClose(func(err error) {
		c.enqueue(func() { c.handleTransportClosed(err) })
	})

	c.wg.Add(1)
	go c.run()

	return c.transport.Connect(ctx)
}

// Stop tears the connection down immediately, bypassing the grace-close
// window. Used for server shutdown, not ordinary peer disconnects.
func (c *Connection) Stop() {
	c.enqueue(func() { c.finalize() })
	c.cancel()
	c.wg.Wait()
}

func (c *Connection) enqueue(f func()) {
	select {
	case c.cmds <- f:
	case <-c.ctx.Done():
	}
}

func (c *Connection) run() {
	defer c.wg.Done()

	retryTicker := time.NewTicker(c.cfg.RetryInterval)
	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer retryTicker.Stop()
	defer pingTicker.Stop()

	for {
		select {
		case f := <-c.cmds:
			f()
		case <-retryTicker.C:
			c.scanRetries()
		case <-pingTicker.C:
			c.sendPing()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) handleOpen() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if c.role == RoleClient {
		c.sendFireAndForget(wire.Set("secret", c.secret))
	}

	c.lastPong = time.Now()
	c.flushResendQueue()
}

func (c *Connection) handleTransportClosed(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if c.closing {
		return
	}

	c.logger.Debug("relay connection transport closed, starting grace window",
		zap.String("conn_id", c.id),
		zap.Error(err),
		zap.Duration("grace", c.cfg.GraceClose),
	)

	c.graceTimer = time.AfterFunc(c.cfg.GraceClose, func() {
		c.enqueue(func() { c.finalize() })
	})
}

func (c *Connection) finalize() {
	if c.closing {
		return
	}
	c.closing = true

	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}

	for id, p := range c.messagesToAck {
		p.outcome.TrySettle(wire.RouteResponse{Error: "connection closed"})
		delete(c.messagesToAck, id)
	}

	if c.callbacks != nil {
		c.callbacks.HandleClosed(c)
	}
}

// SetStrategy swaps in a freshly-dialed or freshly-accepted Transport for a
// reconnecting peer, cancelling any pending grace-close and flushing
// whatever accumulated in the resend queue while disconnected. Protocol
// state (ids, pending sends, dedup log, secret) carries over unchanged. The
// prior transport, if any, is closed before the new one is installed, so a
// reattach never leaks the old transport's goroutines.
func (c *Connection) SetStrategy(t transport.Transport) error {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}

	c.mu.Lock()
	prior := c.transport
	c.transport = t
	c.mu.Unlock()

	if prior != nil {
		_ = prior.Disconnect()
	}

	t.OnMessage(func(env wire.Envelope) {
		c.enqueue(func() { c.handleInbound(env) })
	})
	t.OnOpen(func() {
		c.enqueue(func() { c.handleOpen() })
	})
	t.OnClose(func(err error) {
		c.enqueue(func() { c.handleTransportClosed(err) })
	})

	return t.Connect(c.ctx)
}

// StrategyType reports which Transport implementation currently backs this
// connection.
func (c *Connection) StrategyType() transport.TransportKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return transport.KindUnknown
	}
	return c.transport.Kind()
}

func (c *Connection) currentTransport() (transport.Transport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport, c.connected
}

func (c *Connection) nextMID() wire.MID {
	id := c.nextID
	c.nextID++
	return id
}

var errNotConnected = fmt.Errorf("conn: not connected")
