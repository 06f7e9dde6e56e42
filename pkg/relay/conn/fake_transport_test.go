package conn

import (
	"context"
	"sync"

	"github.com/relaymsg/relay/pkg/relay/transport"
	"github.com/relaymsg/relay/pkg/relay/wire"
)

// fakeTransport is an in-memory transport.Transport used to drive the
// engine's protocol logic without a real network pipe. Two fakeTransports
// can be linked with link() to form a loopback pair.
type fakeTransport struct {
	mu        sync.Mutex
	peer      *fakeTransport
	connected bool
	dropNext  int

	onMessage func(wire.Envelope)
	onOpen    func()
	onClose   func(error)
}

func link(a, b *fakeTransport) {
	a.peer = b
	b.peer = a
}

func (f *fakeTransport) OnMessage(fn func(wire.Envelope)) { f.onMessage = fn }
func (f *fakeTransport) OnOpen(fn func())                 { f.onOpen = fn }
func (f *fakeTransport) OnClose(fn func(error))           { f.onClose = fn }

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()

	if f.onOpen != nil {
		f.onOpen()
	}
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	wasConnected := f.connected
	f.connected = false
	f.mu.Unlock()

	if wasConnected && f.onClose != nil {
		f.onClose(nil)
	}
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Kind() transport.TransportKind {
	return transport.KindWebSocketDuplex
}

func (f *fakeTransport) Send(ctx context.Context, env wire.Envelope) error {
	f.mu.Lock()
	if f.dropNext > 0 {
		f.dropNext--
		f.mu.Unlock()
		return nil
	}
	peer := f.peer
	f.mu.Unlock()

	if peer != nil && peer.onMessage != nil {
		peer.onMessage(env)
	}
	return nil
}
