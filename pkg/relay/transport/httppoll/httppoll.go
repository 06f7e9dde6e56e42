// Package httppoll is the secondary Transport for peers that cannot hold a
// WebSocket open: outbound envelopes accumulate in a queue and are drained
// by repeated client GETs, while client-originated envelopes arrive over
// POST. It satisfies the same transport.Transport contract as wsduplex at
// the cost of latency bounded by the client's poll interval.
package httppoll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/transport"
	"github.com/relaymsg/relay/pkg/relay/wire"
)

// PollInterval is how often a client-side Poller issues a GET, whether or
// not it is also sending.
const PollInterval = time.Second

// Server is the accept-side half: an http.Handler mounted at a path that
// serves GET (drain queued envelopes) and POST (deliver a client envelope).
// One Server instance serves exactly one peer session.
type Server struct {
	logger *zap.Logger

	mu       sync.Mutex
	queue    []wire.Envelope
	closed   bool
	lastSeen time.Time

	onMessage func(wire.Envelope)
	onOpen    func()
	onClose   func(error)

	connected atomic.Bool
	once      sync.Once
}

// NewServer constructs a Server. Connect/Disconnect are no-ops beyond
// bookkeeping since the underlying HTTP server is already running;
// ServeHTTP drives the actual transfer.
func NewServer(logger *zap.Logger) *Server {
	return &Server{logger: logger}
}

func (s *Server) OnMessage(f func(wire.Envelope)) { s.onMessage = f }
func (s *Server) OnOpen(f func())                 { s.onOpen = f }
func (s *Server) OnClose(f func(error))           { s.onClose = f }

func (s *Server) Connect(ctx context.Context) error {
	s.connected.Store(true)
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()

	if s.onOpen != nil {
		s.onOpen()
	}

	return nil
}

func (s *Server) Disconnect() error {
	s.once.Do(func() {
		s.connected.Store(false)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.onClose != nil {
			s.onClose(nil)
		}
	})

	return nil
}

func (s *Server) IsConnected() bool {
	return s.connected.Load()
}

func (s *Server) Kind() transport.TransportKind {
	return transport.KindHTTPPoll
}

func (s *Server) Send(ctx context.Context, env wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("httppoll: connection closed")
	}

	s.queue = append(s.queue, env)
	return nil
}

// ServeHTTP handles one poll cycle: GET drains the outbound queue as a JSON
// array, POST delivers a single client envelope.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		s.serveDrain(w)
	case http.MethodPost:
		s.serveDeliver(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveDrain(w http.ResponseWriter) {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(batch); err != nil {
		s.logger.Warn("httppoll: encode drain batch failed", zap.Error(err))
	}
}

func (s *Server) serveDeliver(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 32768))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	var env wire.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	if s.onMessage != nil {
		s.onMessage(env)
	}

	w.WriteHeader(http.StatusAccepted)
}

// IdleSince reports how long it has been since the last GET or POST,
// letting a caller expire sessions whose peer stopped polling.
func (s *Server) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return time.Since(s.lastSeen)
}

// Poller is the dial-side half: it polls a URL on a fixed interval and posts
// outgoing envelopes as they're queued.
type Poller struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan wire.Envelope
	done     chan struct{}

	onMessage func(wire.Envelope)
	onOpen    func()
	onClose   func(error)

	connected atomic.Bool
	once      sync.Once
}

// NewPoller constructs a client-side long-poll transport against url.
func NewPoller(url string, logger *zap.Logger) *Poller {
	return &Poller{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		outbound:   make(chan wire.Envelope, 64),
		done:       make(chan struct{}),
	}
}

func (p *Poller) OnMessage(f func(wire.Envelope)) { p.onMessage = f }
func (p *Poller) OnOpen(f func())                 { p.onOpen = f }
func (p *Poller) OnClose(f func(error))           { p.onClose = f }

func (p *Poller) Connect(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.connected.Store(true)

	go p.pollLoop()
	go p.sendLoop()

	if p.onOpen != nil {
		p.onOpen()
	}

	return nil
}

func (p *Poller) Disconnect() error {
	p.once.Do(func() {
		p.connected.Store(false)
		p.cancel()
		close(p.done)

		if p.onClose != nil {
			p.onClose(nil)
		}
	})

	return nil
}

func (p *Poller) IsConnected() bool {
	return p.connected.Load()
}

func (p *Poller) Kind() transport.TransportKind {
	return transport.KindHTTPPoll
}

func (p *Poller) Send(ctx context.Context, env wire.Envelope) error {
	if !p.connected.Load() {
		return fmt.Errorf("httppoll: not connected")
	}

	select {
	case p.outbound <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return fmt.Errorf("httppoll: closed")
	}
}

func (p *Poller) sendLoop() {
	for {
		select {
		case env, ok := <-p.outbound:
			if !ok {
				return
			}

			if err := p.post(env); err != nil {
				p.logger.Debug("httppoll: post failed", zap.Error(err))
			}

		case <-p.done:
			return
		}
	}
}

func (p *Poller) post(env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("httppoll: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(p.ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("httppoll: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httppoll: post: %w", err)
	}
	defer resp.Body.Close()

	return nil
}

func (p *Poller) pollLoop() {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.drain(); err != nil {
				p.logger.Debug("httppoll: drain failed, disconnecting", zap.Error(err))
				_ = p.Disconnect()
				return
			}

		case <-p.done:
			return
		}
	}
}

func (p *Poller) drain() error {
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("httppoll: build request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httppoll: get: %w", err)
	}
	defer resp.Body.Close()

	var batch []wire.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return fmt.Errorf("httppoll: decode: %w", err)
	}

	for _, env := range batch {
		if p.onMessage != nil {
			p.onMessage(env)
		}
	}

	return nil
}

var (
	_ transport.Transport = (*Server)(nil)
	_ transport.Transport = (*Poller)(nil)
)
