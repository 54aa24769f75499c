package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/hazardstack/internal/metrics"
	"github.com/23skdu/hazardstack/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

func (s HealthStatus) value() float64 {
	switch s {
	case StatusHealthy:
		return 1.0
	case StatusDegraded:
		return 0.5
	default:
		return 0.0
	}
}

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SystemHealth represents the overall process health
type SystemHealth struct {
	Status     HealthStatus                `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     time.Duration               `json:"uptime"`
	RunID      string                      `json:"run_id,omitempty"`
	Components map[string]*ComponentHealth `json:"components"`
	System     *SystemInfo                 `json:"system"`
	CheckCount int64                       `json:"check_count"`
}

// SystemInfo provides runtime information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	HeapAlloc     uint64 `json:"heap_alloc_bytes"`
	HeapObjects   uint64 `json:"heap_objects"`
	NumGC         uint32 `json:"num_gc"`
}

// HealthChecker defines the interface for component health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) *ComponentHealth
}

// HealthManager aggregates component checks
type HealthManager struct {
	startTime    time.Time
	runID        string
	mu           sync.RWMutex
	checkers     map[string]HealthChecker
	logger       zerolog.Logger
	checkCounter atomic.Int64
}

// NewHealthManager creates a new health manager
func NewHealthManager(runID string, logger zerolog.Logger) *HealthManager {
	return &HealthManager{
		startTime: time.Now(),
		runID:     runID,
		checkers:  make(map[string]HealthChecker),
		logger:    logger,
	}
}

// RegisterChecker registers a health checker, replacing any with the same name
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.mu.Lock()
	hm.checkers[checker.Name()] = checker
	hm.mu.Unlock()
	hm.logger.Debug().Str("checker", checker.Name()).Msg("Registered health checker")
}

// UnregisterChecker removes a checker by name
func (hm *HealthManager) UnregisterChecker(name string) {
	hm.mu.Lock()
	delete(hm.checkers, name)
	hm.mu.Unlock()
}

// CheckHealth performs health checks on all registered components
func (hm *HealthManager) CheckHealth(ctx context.Context) *SystemHealth {
	ctx, span := tracing.Start(ctx, "health.check")
	defer span.End()

	count := hm.checkCounter.Add(1)
	checkStart := time.Now()

	health := &SystemHealth{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Uptime:     time.Since(hm.startTime),
		RunID:      hm.runID,
		Components: make(map[string]*ComponentHealth),
		System:     systemInfo(),
		CheckCount: count,
	}

	for _, checker := range hm.snapshot() {
		componentStart := time.Now()
		ch := checker.Check(ctx)
		duration := time.Since(componentStart)

		metrics.HealthCheckDuration.WithLabelValues(checker.Name()).Observe(duration.Seconds())
		metrics.HealthComponentStatus.WithLabelValues(checker.Name()).Set(ch.Status.value())

		health.Components[checker.Name()] = ch

		// Determine overall status
		if ch.Status == StatusUnhealthy {
			health.Status = StatusUnhealthy
		} else if ch.Status == StatusDegraded && health.Status == StatusHealthy {
			health.Status = StatusDegraded
		}

		span.SetAttributes(attribute.String("health.component."+checker.Name(), string(ch.Status)))
	}

	span.SetAttributes(
		attribute.String("health.overall_status", string(health.Status)),
		attribute.Int("health.components_checked", len(health.Components)),
	)

	hm.logger.Debug().
		Str("overall_status", string(health.Status)).
		Int("components_checked", len(health.Components)).
		Dur("duration", time.Since(checkStart)).
		Msg("Health check completed")

	return health
}

func (hm *HealthManager) snapshot() []HealthChecker {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]HealthChecker, 0, len(hm.checkers))
	for _, c := range hm.checkers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func systemInfo() *SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return &SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		HeapAlloc:     m.HeapAlloc,
		HeapObjects:   m.HeapObjects,
		NumGC:         m.NumGC,
	}
}

// HTTPHandler returns an http handler for health checks
func (hm *HealthManager) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := hm.CheckHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
		}
	})
}
