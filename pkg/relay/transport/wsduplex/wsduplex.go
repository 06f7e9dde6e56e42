// Package wsduplex is the primary Transport: a full-duplex WebSocket pipe
// built on github.com/coder/websocket, usable both for a server-accepted
// connection and for a client dialing out.
package wsduplex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/transport"
	"github.com/relaymsg/relay/pkg/relay/wire"
)

// ReadLimit bounds a single incoming frame. Frames larger than this are a
// protocol violation, not a large-payload use case this transport serves.
const ReadLimit = 32768

// Config tunes timeouts for a Duplex.
type Config struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	QueueSize    int
}

// DefaultConfig mirrors the defaults the server listener used before this
// package split transport concerns out of the connection engine.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  70 * time.Second,
		QueueSize:    64,
	}
}

// Duplex wraps an already-accepted or already-dialed *websocket.Conn.
type Duplex struct {
	conn   *websocket.Conn
	logger *zap.Logger
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan wire.Envelope
	done     chan struct{}

	onMessage func(wire.Envelope)
	onOpen    func()
	onClose   func(error)

	connected   atomic.Bool
	cleanupOnce sync.Once
}

// Accepted wraps a server-side *websocket.Conn obtained from
// websocket.Accept. The handshake is already complete; Connect only starts
// the read/write loops.
func Accepted(conn *websocket.Conn, logger *zap.Logger, cfg Config) *Duplex {
	return &Duplex{
		conn:     conn,
		logger:   logger,
		cfg:      cfg,
		outbound: make(chan wire.Envelope, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Dial opens a client-side WebSocket connection to url. It does not start
// the read/write loops; call Connect for that, matching the rest of the
// Transport contract.
func Dial(ctx context.Context, url string, header http.Header, logger *zap.Logger, cfg Config) (*Duplex, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ReadTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("wsduplex: dial: %w", err)
	}

	return &Duplex{
		conn:     conn,
		logger:   logger,
		cfg:      cfg,
		outbound: make(chan wire.Envelope, cfg.QueueSize),
		done:     make(chan struct{}),
	}, nil
}

func (d *Duplex) OnMessage(f func(wire.Envelope)) { d.onMessage = f }
func (d *Duplex) OnOpen(f func())                 { d.onOpen = f }
func (d *Duplex) OnClose(f func(error))           { d.onClose = f }

// Connect starts the reader and writer goroutines. The reader runs in the
// calling goroutine's stead via a spawned goroutine so Connect returns once
// both loops are running.
func (d *Duplex) Connect(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.connected.Store(true)

	go d.writeLoop()
	go d.readLoop()

	if d.onOpen != nil {
		d.onOpen()
	}

	return nil
}

func (d *Duplex) Disconnect() error {
	d.cleanup(nil)
	return nil
}

func (d *Duplex) IsConnected() bool {
	return d.connected.Load()
}

func (d *Duplex) Kind() transport.TransportKind {
	return transport.KindWebSocketDuplex
}

func (d *Duplex) Send(ctx context.Context, env wire.Envelope) error {
	if !d.connected.Load() {
		return fmt.Errorf("wsduplex: not connected")
	}

	select {
	case d.outbound <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return fmt.Errorf("wsduplex: closed")
	}
}

func (d *Duplex) writeLoop() {
	for {
		select {
		case env, ok := <-d.outbound:
			if !ok {
				return
			}

			if err := d.write(env); err != nil {
				d.logger.Debug("wsduplex write failed", zap.Error(err))
				d.cleanup(err)
				return
			}

		case <-d.done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Duplex) write(env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wsduplex: marshal: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(d.ctx, d.cfg.WriteTimeout)
	defer cancel()

	return d.conn.Write(writeCtx, websocket.MessageText, data)
}

func (d *Duplex) readLoop() {
	d.conn.SetReadLimit(ReadLimit)

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		readCtx, cancel := context.WithTimeout(d.ctx, d.cfg.ReadTimeout)
		_, data, err := d.conn.Read(readCtx)
		cancel()
		if err != nil {
			d.cleanup(err)
			return
		}

		if len(data) == 0 {
			continue
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			d.logger.Warn("wsduplex: dropping malformed frame", zap.Error(err))
			continue
		}

		if d.onMessage != nil {
			d.onMessage(env)
		}
	}
}

func (d *Duplex) cleanup(cause error) {
	d.cleanupOnce.Do(func() {
		d.connected.Store(false)

		if d.cancel != nil {
			d.cancel()
		}
		close(d.done)

		status := websocket.StatusNormalClosure
		reason := "closing"
		if cause != nil {
			status = websocket.StatusInternalError
			reason = "transport error"
		}
		_ = d.conn.Close(status, reason)

		if d.onClose != nil {
			d.onClose(cause)
		}
	})
}

var _ transport.Transport = (*Duplex)(nil)
