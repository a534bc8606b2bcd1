// Package grpcserver runs the operations listener: gRPC health checks with the
// logging, recovery and tenant interceptors.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name of the document service.
const ServiceName = "docservice"

// Probe reports whether the service accepts new work.
type Probe func(ctx context.Context) error

// Ops is the gRPC operations server.
type Ops struct {
	srv   *grpc.Server
	hs    *health.Server
	probe Probe
	log   *zap.Logger
}

// New builds the server. reflect enables server reflection (dev only).
func New(probe Probe, reflect bool, log *zap.Logger, opts ...grpc.ServerOption) *Ops {
	log = log.With(zap.String("component", "ops"))
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			TenantUnary(),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			TenantStream(),
			LoggingStream(log),
		),
	)
	s := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if reflect {
		reflection.Register(s)
	}
	return &Ops{srv: s, hs: hs, probe: probe, log: log}
}

// Check runs the probe once and publishes the result.
func (o *Ops) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if o.probe != nil {
		if err := o.probe(ctx); err != nil {
			o.log.Warn("not serving", zap.Error(err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	o.hs.SetServingStatus("", st)
	o.hs.SetServingStatus(ServiceName, st)
	return st
}

// Watch re-runs Check every interval until ctx is done.
func (o *Ops) Watch(ctx context.Context, every time.Duration) {
	o.Check(ctx)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.Check(ctx)
		}
	}
}

// Serve accepts connections on lis until Stop.
func (o *Ops) Serve(lis net.Listener) error {
	o.log.Info("listening", zap.String("addr", lis.Addr().String()))
	return o.srv.Serve(lis)
}

// Stop marks the server not serving, drains calls and forces the stop after timeout.
func (o *Ops) Stop(timeout time.Duration) {
	o.hs.Shutdown()
	done := make(chan struct{})
	go func() {
		o.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.srv.Stop()
	}
}
