// Package opctx carries the operation identity (tenant, document, user) in a context.
package opctx

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey string

const opKey ctxKey = "docs.op"

// DefaultTenant is used when a request names no tenant.
const DefaultTenant = "localhost"

// Op identifies who is acting on which document.
type Op struct {
	Tenant string
	DocID  string
	UserID string
}

// With stores op in ctx. An empty tenant is replaced by DefaultTenant.
func With(ctx context.Context, op Op) context.Context {
	if op.Tenant == "" {
		op.Tenant = DefaultTenant
	}
	return context.WithValue(ctx, opKey, op)
}

// From fetches the op stored by With.
func From(ctx context.Context) (Op, bool) {
	op, ok := ctx.Value(opKey).(Op)
	return op, ok
}

// Tenant returns the tenant of ctx, or DefaultTenant.
func Tenant(ctx context.Context) string {
	if op, ok := From(ctx); ok {
		return op.Tenant
	}
	return DefaultTenant
}

// WithDoc returns a copy of ctx bound to another document of the same tenant.
func WithDoc(ctx context.Context, docID string) context.Context {
	op, _ := From(ctx)
	op.DocID = docID
	return With(ctx, op)
}

// Fields renders the op as zap fields for log lines.
func Fields(ctx context.Context) []zap.Field {
	op, ok := From(ctx)
	if !ok {
		return nil
	}
	fields := []zap.Field{zap.String("tenant", op.Tenant), zap.String("docId", op.DocID)}
	if op.UserID != "" {
		fields = append(fields, zap.String("userId", op.UserID))
	}
	return fields
}

// Logger returns log annotated with the op fields of ctx.
func Logger(ctx context.Context, log *zap.Logger) *zap.Logger {
	return log.With(Fields(ctx)...)
}
