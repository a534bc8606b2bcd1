package grpcserver

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/docservice/internal/opctx"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

// fakeStream is a server stream carrying only a context.
type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeStream) Context() context.Context { return s.ctx }

func TestLoggingUnary_CountsByCode(t *testing.T) {
	t.Parallel()

	ic := LoggingUnary(zaptest.NewLogger(t))
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	info := &grpc.UnaryServerInfo{FullMethod: "/docs.Ops/Count"}

	okBefore := testutil.ToFloat64(opsCalls.WithLabelValues(info.FullMethod, codes.OK.String()))
	nfBefore := testutil.ToFloat64(opsCalls.WithLabelValues(info.FullMethod, codes.NotFound.String()))

	resp, err := ic(ctx, "req", info, func(context.Context, any) (any, error) { return "ok", nil })
	if err != nil || resp.(string) != "ok" {
		t.Fatalf("unexpected result: %v, %v", resp, err)
	}

	wantErr := status.Error(codes.NotFound, "gone")
	_, err = ic(ctx, "req", info, func(context.Context, any) (any, error) { return nil, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("want original error, got: %v", err)
	}

	if got := testutil.ToFloat64(opsCalls.WithLabelValues(info.FullMethod, codes.OK.String())); got != okBefore+1 {
		t.Fatalf("ok counter = %v, want %v", got, okBefore+1)
	}
	if got := testutil.ToFloat64(opsCalls.WithLabelValues(info.FullMethod, codes.NotFound.String())); got != nfBefore+1 {
		t.Fatalf("not found counter = %v, want %v", got, nfBefore+1)
	}
}

func TestRecoverUnary(t *testing.T) {
	t.Parallel()

	ic := RecoverUnary(zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: "/docs.Ops/Panic"}

	_, err := ic(context.Background(), "req", info, func(context.Context, any) (any, error) { panic("oh no") })
	if st, ok := status.FromError(err); !ok || st.Code() != codes.Internal {
		t.Fatalf("want codes.Internal, got: %v", err)
	}

	resp, err := ic(context.Background(), "req", info, func(context.Context, any) (any, error) { return 42, nil })
	if err != nil || resp.(int) != 42 {
		t.Fatalf("pass through: %v, %v", resp, err)
	}
}

func TestRecoverStream(t *testing.T) {
	t.Parallel()

	ic := RecoverStream(zaptest.NewLogger(t))
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch", IsServerStream: true}
	ss := &fakeStream{ctx: context.Background()}

	err := ic(nil, ss, info, func(any, grpc.ServerStream) error { panic("watch broke") })
	if st, ok := status.FromError(err); !ok || st.Code() != codes.Internal {
		t.Fatalf("want codes.Internal, got: %v", err)
	}
	if err := ic(nil, ss, info, func(any, grpc.ServerStream) error { return nil }); err != nil {
		t.Fatalf("pass through: %v", err)
	}
}

func TestStreamChain_TenantAndLogging(t *testing.T) {
	t.Parallel()

	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch", IsServerStream: true}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(TenantKey, "t2"))
	ss := &fakeStream{ctx: ctx}

	before := testutil.ToFloat64(opsCalls.WithLabelValues(info.FullMethod, codes.Canceled.String()))

	var tenant string
	logged := LoggingStream(zaptest.NewLogger(t))
	err := TenantStream()(nil, ss, info, func(srv any, s grpc.ServerStream) error {
		return logged(srv, s, info, func(_ any, s grpc.ServerStream) error {
			tenant = opctx.Tenant(s.Context())
			return status.Error(codes.Canceled, "client left")
		})
	})
	if status.Code(err) != codes.Canceled {
		t.Fatalf("want canceled, got %v", err)
	}
	if tenant != "t2" {
		t.Fatalf("tenant = %q, want t2", tenant)
	}
	if got := testutil.ToFloat64(opsCalls.WithLabelValues(info.FullMethod, codes.Canceled.String())); got != before+1 {
		t.Fatalf("stream counter = %v, want %v", got, before+1)
	}
}
