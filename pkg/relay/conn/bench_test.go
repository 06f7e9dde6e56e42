package conn

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/wire"
)

func BenchmarkPostAndForget(b *testing.B) {
	serverT := &fakeTransport{}
	clientT := &fakeTransport{}
	link(serverT, clientT)

	logger := zap.NewNop()
	server := New(RoleServer, serverT, newStubCallbacks(), DefaultConfig(), logger, nil)
	client := New(RoleClient, clientT, newStubCallbacks(), DefaultConfig(), logger, nil)

	ctx := context.Background()
	if err := server.Start(ctx); err != nil {
		b.Fatal(err)
	}
	if err := client.Start(ctx); err != nil {
		b.Fatal(err)
	}
	defer server.Stop()
	defer client.Stop()

	msg := wire.Route("/bench", wire.VerbPost, "payload", nil)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := client.PostAndForget(msg); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPostWithResponse(b *testing.B) {
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

	ctx := context.Background()
	if err := server.Start(ctx); err != nil {
		b.Fatal(err)
	}
	if err := client.Start(ctx); err != nil {
		b.Fatal(err)
	}
	defer server.Stop()
	defer client.Stop()

	msg := wire.Route("/bench", wire.VerbGet, nil, nil)

	b.ResetTimer()
	b.ReportAllocs()

	done := make(chan struct{})
	for i := 0; i < b.N; i++ {
		outcome, err := client.Post(ctx, msg)
		if err != nil {
			b.Fatal(err)
		}
		if _, ok := outcome.Wait(done); !ok {
			b.Fatal("outcome did not settle")
		}
	}
}
