package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/sso-portal/internal/store"
	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC service name reported alongside the overall status.
const HealthService = "sso.portal.Portal"

// HealthHandler handles health check endpoints over HTTP and gRPC.
type HealthHandler struct {
	repo    store.Repository
	timeout time.Duration
	grpc    *health.Server
}

// NewHealthHandler creates a new health handler. A zero timeout uses 5s.
func NewHealthHandler(repo store.Repository, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	h := &HealthHandler{repo: repo, timeout: timeout, grpc: health.NewServer()}
	h.setServing(false)
	return h
}

func (h *HealthHandler) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.grpc.SetServingStatus("", status)
	h.grpc.SetServingStatus(HealthService, status)
}

// Probe pings the database and publishes the result to the gRPC health service.
func (h *HealthHandler) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.repo.Ping(ctx)
	h.setServing(err == nil)
	return err
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.Probe(r.Context()); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// RegisterGRPC exposes the standard gRPC health service on s.
func (h *HealthHandler) RegisterGRPC(s grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(s, h.grpc)
}

// StartProber probes on interval until ctx is done, then reports every
// service as not serving.
func (h *HealthHandler) StartProber(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if err := h.Probe(ctx); err != nil {
			slog.Warn("Health probe failed", "error", err)
		}
		for {
			select {
			case <-ticker.C:
				if err := h.Probe(ctx); err != nil {
					slog.Warn("Health probe failed", "error", err)
				}
			case <-ctx.Done():
				h.grpc.Shutdown()
				return
			}
		}
	}()
}
