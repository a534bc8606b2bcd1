package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/docservice/internal/opctx"
)

func dialOps(t *testing.T, o *Ops) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = o.Serve(lis) }()
	t.Cleanup(func() { o.Stop(time.Second) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestOps_HealthFollowsProbe(t *testing.T) {
	t.Parallel()
	var down atomic.Bool
	o := New(func(context.Context) error {
		if down.Load() {
			return errors.New("shutting down")
		}
		return nil
	}, false, zaptest.NewLogger(t))
	client := dialOps(t, o)
	ctx := context.Background()

	require.Equal(t, healthpb.HealthCheckResponse_SERVING, o.Check(ctx))
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	down.Store(true)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, o.Check(ctx))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestOps_WatchStopsWithContext(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	o := New(func(context.Context) error {
		calls.Add(1)
		return nil
	}, false, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Watch(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestTenantUnary(t *testing.T) {
	t.Parallel()
	ic := TenantUnary()
	info := &grpc.UnaryServerInfo{FullMethod: "/docs.Ops/Any"}
	var got string
	h := func(ctx context.Context, _ any) (any, error) {
		got = opctx.Tenant(ctx)
		return nil, nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(TenantKey, "t1"))
	_, err := ic(ctx, nil, info, h)
	require.NoError(t, err)
	require.Equal(t, "t1", got)

	_, err = ic(context.Background(), nil, info, h)
	require.NoError(t, err)
	require.Equal(t, opctx.DefaultTenant, got)
	require.Empty(t, TenantFromMD(context.Background()))
}
