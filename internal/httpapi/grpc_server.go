package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"wasteops.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCHealth keeps the standard gRPC health service in step with the HTTP
// readiness probe. The empty service name reports the whole server.
type GRPCHealth struct {
	*health.Server
	readiness readinessChecker
}

var _ healthpb.HealthServer = (*GRPCHealth)(nil)

func NewGRPCHealth(r readinessChecker) *GRPCHealth {
	return &GRPCHealth{Server: health.NewServer(), readiness: r}
}

// Refresh probes readiness once and publishes the result.
func (h *GRPCHealth) Refresh(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	ok := true
	if err := h.readiness.Check(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		ok = false
	}
	obs.SetReady(ok)
	h.SetServingStatus("", status)
	h.SetServingStatus(serviceName, status)
	return ok
}

// Monitor refreshes every interval until ctx ends, then reports NOT_SERVING.
func (h *GRPCHealth) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		h.Refresh(probeCtx)
		cancel()
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
