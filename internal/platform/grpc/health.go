// Package grpc exposes the edge lifecycle state over the standard gRPC
// health protocol.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/noncefirewall/portfolio/internal/platform/timeouts"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer reports SERVING only while a controller is serving traffic.
type HealthServer struct {
	service string
	grpc    *gogrpc.Server
	health  *health.Server
}

// NewHealthServer builds a health server for service, starting NOT_SERVING.
func NewHealthServer(service string) *HealthServer {
	grpcServer := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	s := &HealthServer{service: service, grpc: grpcServer, health: healthServer}
	s.SetServing(false)
	return s
}

// SetServing flips the reported status for both the named and the overall
// service.
func (s *HealthServer) SetServing(serving bool) {
	if s == nil {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
}

// Serve accepts health probes on listener until ctx ends.
func (s *HealthServer) Serve(ctx context.Context, listener net.Listener) error {
	if s == nil {
		return errors.New("health server is nil")
	}
	if listener == nil {
		return errors.New("listener is required")
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpc.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, gogrpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve grpc health: %w", err)
	}
}

// WaitForHealth blocks until the gRPC health check reports SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	backoff := 100 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, timeouts.HealthCheck)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			return nil
		}
		if logf != nil {
			if err != nil {
				logf("waiting for gRPC health: %v", err)
			} else {
				logf("waiting for gRPC health: status %s", response.GetStatus().String())
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Second)
	}
}

// CheckHealth dials addr and waits until service reports SERVING or ctx ends.
func CheckHealth(ctx context.Context, addr, service string, logf func(string, ...any)) error {
	conn, err := gogrpc.NewClient(
		addr,
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return fmt.Errorf("dial health %s: %w", addr, err)
	}
	defer conn.Close()
	return WaitForHealth(ctx, conn, service, logf)
}
