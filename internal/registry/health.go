package registry

import (
	"context"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name the registry reports under.
const ServiceName = "flowdaq.registry"

// Pinger reports whether the backing store is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter keeps a gRPC health server in sync with the store.
type HealthReporter struct {
	server   *health.Server
	store    Pinger
	interval time.Duration
}

// RegisterHealth registers a health service on s that reflects store availability.
func RegisterHealth(s *grpc.Server, store Pinger, interval time.Duration) *HealthReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &HealthReporter{server: health.NewServer(), store: store, interval: interval}
	healthpb.RegisterHealthServer(s, h.server)
	h.Check(context.Background())
	return h
}

// Check pings the store once and updates the serving status.
func (h *HealthReporter) Check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		log.Printf("Registry health check failed: %v", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ServiceName, status)
}

// Run re-checks the store until ctx is done, then marks the service as shutting down.
func (h *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Check(ctx)
		case <-ctx.Done():
			h.server.Shutdown()
			return
		}
	}
}

// CheckHealth asks the registry at addr whether it is serving.
func CheckHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to registry health service: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("registry health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("registry is %s", resp.GetStatus())
	}
	return nil
}
