package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// Pinger is a dependency whose reachability is reported by the health check
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService provides health check functionality
type HealthService struct {
	version   string
	license   LicenseService
	deps      map[string]Pinger
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Uptime    string                   `json:"uptime"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthService creates a health service. deps may be nil.
func NewHealthService(version string, licenseService LicenseService, deps map[string]Pinger, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		license:   licenseService,
		deps:      deps,
		startTime: time.Now(),
		logger:    logger.With(slog.String("component", "health_service")),
	}
}

// HealthCheck reports liveness plus the state of each dependency. A failing
// dependency degrades the status but the server stays live.
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
		Uptime:    time.Since(hs.startTime).Round(time.Second).String(),
		Runtime: map[string]interface{}{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
		Services: make(map[string]ServiceHealth),
	}

	if hs.license != nil {
		stats := hs.license.CacheStats(ctx)
		status.Services["license_cache"] = ServiceHealth{
			Status:  "healthy",
			Message: formatCacheStats(stats.ValidEntries, stats.TotalEntries),
		}
	}

	for name, dep := range hs.deps {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := dep.Ping(pingCtx)
		cancel()

		if err != nil {
			hs.logger.WarnContext(ctx, "dependency unhealthy",
				slog.String("dependency", name),
				slog.String("error", err.Error()))
			status.Services[name] = ServiceHealth{Status: "unhealthy", Message: err.Error()}
			status.Status = "degraded"
			continue
		}
		status.Services[name] = ServiceHealth{Status: "healthy"}
	}

	return status
}

func formatCacheStats(valid, total int) string {
	return fmt.Sprintf("%d/%d entries valid", valid, total)
}
