package conn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/wire"
)

type stubCallbacks struct {
	route        func(ctx context.Context, from *Connection, route string, verb wire.Verb, data any, headers map[string]string) (int, any)
	subscribe    func(ctx context.Context, from *Connection, route string) error
	unsubscribe  func(ctx context.Context, from *Connection, route string) error
	closedCalled chan struct{}
}

func newStubCallbacks() *stubCallbacks {
	return &stubCallbacks{closedCalled: make(chan struct{}, 1)}
}

func (s *stubCallbacks) HandleRoute(ctx context.Context, from *Connection, route string, verb wire.Verb, data any, headers map[string]string) (int, any) {
	if s.route != nil {
		return s.route(ctx, from, route, verb, data, headers)
	}
	return wire.StatusNotFound, "no route"
}

func (s *stubCallbacks) HandleSubscribe(ctx context.Context, from *Connection, route string) error {
	if s.subscribe != nil {
		return s.subscribe(ctx, from, route)
	}
	return nil
}

func (s *stubCallbacks) HandleUnsubscribe(ctx context.Context, from *Connection, route string) error {
	if s.unsubscribe != nil {
		return s.unsubscribe(ctx, from, route)
	}
	return nil
}

func (s *stubCallbacks) HandleDataSet(from *Connection, key string, value any) {}

func (s *stubCallbacks) HandleClosed(*Connection) {
	select {
	case s.closedCalled <- struct{}{}:
	default:
	}
}

func newLinkedPair(t *testing.T, serverCfg, clientCfg Config, serverCB, clientCB Callbacks) (*Connection, *Connection) {
	t.Helper()

	serverT := &fakeTransport{}
	clientT := &fakeTransport{}
	link(serverT, clientT)

	logger := zap.NewNop()
	server := New(RoleServer, serverT, serverCB, serverCfg, logger, nil)
	client := New(RoleClient, clientT, clientCB, clientCfg, logger, nil)

	require.NoError(t, server.Start(context.Background()))
	require.NoError(t, client.Start(context.Background()))

	return server, client
}

func TestPostRoundTrip(t *testing.T) {
	serverCB := newStubCallbacks()
	serverCB.route = func(ctx context.Context, from *Connection, route string, verb wire.Verb, data any, headers map[string]string) (int, any) {
		assert.Equal(t, "/widgets/1", route)
		assert.Equal(t, wire.VerbGet, verb)
		return wire.StatusOK, "widget-1"
	}

	server, client := newLinkedPair(t, DefaultConfig(), DefaultConfig(), serverCB, newStubCallbacks())
	defer server.Stop()
	defer client.Stop()

	outcome, err := client.Post(context.Background(), wire.Route("/widgets/1", wire.VerbGet, nil, nil))
	require.NoError(t, err)

	done := make(chan struct{})
	v, ok := outcome.Wait(done)
	require.True(t, ok)
	assert.True(t, v.OK())
	assert.Equal(t, "widget-1", v.Data)
}

func TestDuplicateDeliveryIsDeduped(t *testing.T) {
	var handled int
	serverCB := newStubCallbacks()
	serverCB.route = func(ctx context.Context, from *Connection, route string, verb wire.Verb, data any, headers map[string]string) (int, any) {
		handled++
		return wire.StatusOK, nil
	}

	server, client := newLinkedPair(t, DefaultConfig(), DefaultConfig(), serverCB, newStubCallbacks())
	defer server.Stop()
	defer client.Stop()

	env := wire.Envelope{ID: 0, Msg: wire.Route("/x", wire.VerbGet, nil, nil)}

	result := make(chan error, 1)
	server.enqueue(func() {
		server.handleInbound(env)
		server.handleInbound(env)
		result <- nil
	})
	<-result

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, handled)
}

func TestRetryResendsUnacked(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryInterval = 5 * time.Millisecond
	cfg.RetryTimeout = 20 * time.Millisecond

	serverT := &fakeTransport{}
	clientT := &fakeTransport{}
	link(serverT, clientT)

	logger := zap.NewNop()

	var received int
	serverCB := newStubCallbacks()
	serverCB.route = func(ctx context.Context, from *Connection, route string, verb wire.Verb, data any, headers map[string]string) (int, any) {
		received++
		return wire.StatusOK, nil
	}

	server := New(RoleServer, serverT, serverCB, cfg, logger, nil)
	client := New(RoleClient, clientT, newStubCallbacks(), cfg, logger, nil)

	require.NoError(t, server.Start(context.Background()))
	require.NoError(t, client.Start(context.Background()))
	defer server.Stop()
	defer client.Stop()

	clientT.mu.Lock()
	clientT.dropNext = 1
	clientT.mu.Unlock()

	_, err := client.Post(context.Background(), wire.Route("/x", wire.VerbGet, nil, nil))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.GreaterOrEqual(t, received, 1)
}

func TestRetryExhaustionSettlesWithError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryInterval = 5 * time.Millisecond
	cfg.RetryTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 2

	clientT := &fakeTransport{}
	// No peer linked: every send silently goes nowhere, so the request
	// never gets acked and retries run out.
	logger := zap.NewNop()
	client := New(RoleClient, clientT, newStubCallbacks(), cfg, logger, nil)
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	outcome, err := client.Post(context.Background(), wire.Route("/x", wire.VerbGet, nil, nil))
	require.NoError(t, err)

	done := make(chan struct{})
	time.AfterFunc(500*time.Millisecond, func() { close(done) })

	v, ok := outcome.Wait(done)
	require.True(t, ok, "outcome should have settled via retry exhaustion")
	assert.False(t, v.OK())
	assert.Equal(t, "retry exhausted", v.Error)
}

func TestReconnectFlushesBufferedSendsInOrder(t *testing.T) {
	var routesSeen []string
	serverCB := newStubCallbacks()
	serverCB.route = func(ctx context.Context, from *Connection, route string, verb wire.Verb, data any, headers map[string]string) (int, any) {
		return wire.StatusOK, nil
	}

	serverT := &fakeTransport{}
	clientT := &fakeTransport{}
	link(serverT, clientT)

	logger := zap.NewNop()
	server := New(RoleServer, serverT, serverCB, DefaultConfig(), logger, nil)
	client := New(RoleClient, clientT, newStubCallbacks(), DefaultConfig(), logger, nil)

	require.NoError(t, server.Start(context.Background()))

	// The server runs each route handler on its own goroutine, so the order
	// is recorded where envelopes reach the server's transport.
	deliver := serverT.onMessage
	serverT.onMessage = func(env wire.Envelope) {
		if env.Msg.Type == wire.KindRoute {
			routesSeen = append(routesSeen, env.Msg.Route)
		}
		deliver(env)
	}

	require.NoError(t, client.Start(context.Background()))
	defer server.Stop()
	defer client.Stop()

	require.NoError(t, clientT.Disconnect())
	time.Sleep(10 * time.Millisecond)

	_, err := client.Post(context.Background(), wire.Route("/a", wire.VerbPost, nil, nil))
	require.NoError(t, err)
	_, err = client.Post(context.Background(), wire.Route("/b", wire.VerbPost, nil, nil))
	require.NoError(t, err)

	newClientT := &fakeTransport{}
	link(serverT, newClientT)
	require.NoError(t, client.SetStrategy(newClientT))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"/a", "/b"}, routesSeen)
}

func TestGraceCloseCallsHandleClosedOnTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GraceClose = 20 * time.Millisecond

	clientT := &fakeTransport{}
	cb := newStubCallbacks()
	logger := zap.NewNop()
	client := New(RoleClient, clientT, cb, cfg, logger, nil)
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	require.NoError(t, clientT.Disconnect())

	select {
	case <-cb.closedCalled:
	case <-time.After(time.Second):
		t.Fatal("HandleClosed was not called after grace window")
	}
}
