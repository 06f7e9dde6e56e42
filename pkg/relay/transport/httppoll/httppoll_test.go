package httppoll

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/wire"
)

func TestServerPollerRoundTrip(t *testing.T) {
	logger := zap.NewNop()

	srv := NewServer(logger)
	serverReceived := make(chan wire.Envelope, 1)
	srv.OnMessage(func(env wire.Envelope) {
		serverReceived <- env
	})
	require.NoError(t, srv.Connect(context.Background()))

	httpServer := httptest.NewServer(srv)
	defer httpServer.Close()

	poller := NewPoller(httpServer.URL, logger)
	clientReceived := make(chan wire.Envelope, 1)
	poller.OnMessage(func(env wire.Envelope) {
		clientReceived <- env
	})
	require.NoError(t, poller.Connect(context.Background()))
	defer poller.Disconnect()

	clientEnvelope := wire.Envelope{ID: 1, Msg: wire.Ping()}
	require.NoError(t, poller.Send(context.Background(), clientEnvelope))

	select {
	case got := <-serverReceived:
		require.Equal(t, clientEnvelope.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive client envelope")
	}

	serverEnvelope := wire.Envelope{ID: 2, Msg: wire.Res(1, wire.StatusOK, "pong")}
	require.NoError(t, srv.Send(context.Background(), serverEnvelope))

	select {
	case got := <-clientReceived:
		require.Equal(t, serverEnvelope.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not receive server envelope via poll")
	}
}
