// Package transport abstracts the framed, bidirectional byte pipe a
// Connection runs its protocol over. The primary implementation is a
// WebSocket duplex; a long-poll HTTP implementation serves peers that can't
// hold a socket open.
package transport

import (
	"context"

	"github.com/relaymsg/relay/pkg/relay/wire"
)

// TransportKind classifies a Transport implementation, letting a Connection
// report which strategy it currently runs over without a type switch.
type TransportKind int

const (
	KindUnknown TransportKind = iota
	KindWebSocketDuplex
	KindHTTPPoll
)

func (k TransportKind) String() string {
	switch k {
	case KindWebSocketDuplex:
		return "websocket-duplex"
	case KindHTTPPoll:
		return "http-poll"
	default:
		return "unknown"
	}
}

// Transport moves envelopes between a Connection and its peer. Every
// implementation serializes its own writes internally; callers may call
// Send concurrently.
type Transport interface {
	// Connect establishes the underlying pipe. For server-accepted
	// transports this performs any handshake completion; for dialing
	// transports it opens the connection.
	Connect(ctx context.Context) error

	// Disconnect tears the pipe down. Idempotent.
	Disconnect() error

	// Send writes one envelope. Send may block until the envelope is
	// handed to the OS or the transport's own write queue; ctx bounds
	// that wait.
	Send(ctx context.Context, env wire.Envelope) error

	// OnMessage registers the callback invoked for every envelope the
	// peer sends. Must be called before Connect.
	OnMessage(func(wire.Envelope))

	// OnOpen registers the callback invoked once the transport is ready
	// to send and receive. Must be called before Connect.
	OnOpen(func())

	// OnClose registers the callback invoked when the transport stops
	// delivering messages, whether by peer close, error, or Disconnect.
	// Must be called before Connect.
	OnClose(func(error))

	// IsConnected reports whether the transport currently believes it
	// can send.
	IsConnected() bool

	// Kind reports which strategy this implementation is.
	Kind() TransportKind
}
