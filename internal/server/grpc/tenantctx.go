package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/and161185/docservice/internal/opctx"
)

// TenantKey is the metadata key naming the tenant of a call.
const TenantKey = "x-docs-tenant"

// TenantFromMD fetches the tenant sent by the caller, or "".
func TenantFromMD(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(TenantKey); len(v) > 0 {
		return v[0]
	}
	return ""
}

func tenantCtx(ctx context.Context) context.Context {
	return opctx.With(ctx, opctx.Op{Tenant: TenantFromMD(ctx)})
}

// TenantUnary binds the operation context of each call to the caller's tenant.
func TenantUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		return next(tenantCtx(ctx), req)
	}
}

// tenantStream overrides the stream context.
type tenantStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tenantStream) Context() context.Context { return s.ctx }

// TenantStream is TenantUnary for streams.
func TenantStream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		return next(srv, &tenantStream{ServerStream: ss, ctx: tenantCtx(ss.Context())})
	}
}
