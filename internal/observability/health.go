package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// HealthCheckResponse represents the overall health check response.
type HealthCheckResponse struct {
	Status        HealthStatus               `json:"status"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Timestamp     string                     `json:"timestamp"`
	Checks        map[string]ComponentHealth `json:"checks"`
}

// HealthChecker performs health checks on system components.
type HealthChecker struct {
	version   string
	startTime time.Time
	checks    map[string]HealthCheckFunc
}

// HealthCheckFunc defines a function that checks component health.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// NewHealthChecker creates a new health checker.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck registers a health check for a component.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc HealthCheckFunc) {
	hc.checks[name] = checkFunc
}

// Check performs all health checks.
func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResponse {
	response := HealthCheckResponse{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
		Checks:        make(map[string]ComponentHealth),
	}

	for name, checkFunc := range hc.checks {
		health := checkFunc(ctx)
		response.Checks[name] = health

		// Update overall status
		if health.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		} else if health.Status == HealthStatusDegraded && response.Status != HealthStatusUnhealthy {
			response.Status = HealthStatusDegraded
		}
	}

	return response
}

// Handler returns an HTTP handler for health checks.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		response := hc.Check(ctx)

		w.Header().Set("Content-Type", "application/json")

		// Set HTTP status based on health
		switch response.Status {
		case HealthStatusOK:
			w.WriteHeader(http.StatusOK)
		case HealthStatusDegraded:
			w.WriteHeader(http.StatusOK) // Still 200 but degraded
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}

// Common health check functions

// ListenerCheck reports whether the REST listener is configured to bind addr.
// The listener itself is started by main before the health checker ever serves
// traffic, so this is a configuration-presence check, not a live dial.
func ListenerCheck(addr string) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  HealthStatusOK,
			Message: fmt.Sprintf("REST listener on %s", addr),
		}
	}
}

// PeerCapabilityCacheCheck reports whether the bolt-backed peer capability
// cache opened successfully.
func PeerCapabilityCacheCheck(opened bool) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if opened {
			return ComponentHealth{
				Status:  HealthStatusOK,
				Message: "peer capability cache open",
			}
		}
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Message: "peer capability cache unavailable; peer detection will re-probe every call",
		}
	}
}

// SweeperCheck reports whether the active-transaction TTL sweeper goroutine
// is alive, based on the timestamp it last updated.
func SweeperCheck(lastTick func() time.Time, maxAge time.Duration) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		age := time.Since(lastTick())
		if age > maxAge {
			return ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("sweeper stalled: last tick %s ago", age),
			}
		}
		return ComponentHealth{
			Status:  HealthStatusOK,
			Message: fmt.Sprintf("sweeper ticked %s ago", age),
		}
	}
}

// InstanceCacheCheck reports whether the instance cache is within its
// configured byte budget.
func InstanceCacheCheck(usedBytes, budgetBytes func() uint64) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		used, budget := usedBytes(), budgetBytes()
		if budget > 0 && used > budget {
			return ComponentHealth{
				Status:  HealthStatusDegraded,
				Message: fmt.Sprintf("cache over budget: %d/%d bytes", used, budget),
			}
		}
		return ComponentHealth{
			Status:  HealthStatusOK,
			Message: fmt.Sprintf("cache at %d/%d bytes", used, budget),
		}
	}
}
