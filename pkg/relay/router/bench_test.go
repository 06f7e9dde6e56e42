package router

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/conn"
)

func BenchmarkBroadcastFanout(b *testing.B) {
	logger := zap.NewNop()
	r := New(logger, conn.DefaultConfig(), nil)

	ctx := context.Background()
	const listenerCount = 50

	for i := 0; i < listenerCount; i++ {
		serverT := &loopbackTransport{}
		clientT := &loopbackTransport{}
		linkLoopback(serverT, clientT)

		serverConn, err := r.AddSocket(ctx, serverT, "")
		if err != nil {
			b.Fatal(err)
		}

		client := conn.New(conn.RoleClient, clientT, noopCallbacks{}, conn.DefaultConfig(), logger, nil)
		if err := client.Start(ctx); err != nil {
			b.Fatal(err)
		}
		defer client.Stop()

		if err := r.SubscribeConnectionToRoute(serverConn, "/bench/room"); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := r.BroadcastUpdate(ctx, "/bench/room", "payload", nil); err != nil {
			b.Fatal(err)
		}
	}
}
