package http

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines  int    `json:"goroutines"`
	MemoryMB    uint64 `json:"memory_mb"`
	ActiveCalls int    `json:"active_calls"`
}

// HealthHandler handles health check requests
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	if s.manager != nil {
		health.Checks["sessions"] = CheckResult{
			Status:  "healthy",
			Message: "Session manager operational",
		}
		health.System.ActiveCalls = s.manager.ActiveCount()
	} else {
		health.Checks["sessions"] = CheckResult{
			Status:  "unhealthy",
			Message: "Session manager not available",
		}
		health.Status = "unhealthy"
	}

	if s.publisher != nil && s.publisher.Enabled() {
		if s.publisher.IsConnected() {
			health.Checks["amqp"] = CheckResult{
				Status:  "healthy",
				Message: "AMQP broker connected",
			}
		} else {
			health.Checks["amqp"] = CheckResult{
				Status:  "degraded",
				Message: "AMQP broker not connected",
			}
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
	} else {
		health.Checks["amqp"] = CheckResult{
			Status:  "disabled",
			Message: "AMQP publishing not configured",
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	health.System.GoRoutines = runtime.NumGoroutine()
	health.System.MemoryMB = memStats.Alloc / 1024 / 1024

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// LivenessHandler is a lightweight liveness probe
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// ReadinessHandler reports whether the service can accept calls
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.manager == nil || s.callHandler == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
