package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// rank orders statuses from best to worst.
func (s HealthStatus) rank() int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	}
	return 2
}

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name    string        `json:"name"`
	Status  HealthStatus  `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the outcome of one health pass.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     time.Duration     `json:"uptime_ns"`
	Components []ComponentHealth `json:"components"`
	Goroutines int               `json:"goroutines"`
	MemoryMB   uint64            `json:"memory_mb"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// HealthMonitor runs the registered checks on demand. A check that does
// not answer within the timeout reports UNHEALTHY.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	timeout   time.Duration
	startTime time.Time
}

// NewHealthMonitor creates a monitor whose checks get timeout each.
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		timeout:   timeout,
		startTime: time.Now(),
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Check runs every check concurrently. The overall status is the worst
// component status.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make([]ComponentHealth, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = m.run(ctx, name, checks[name])
		}(i, name)
	}
	wg.Wait()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	overall := HealthStatusHealthy
	for _, r := range results {
		if r.Status.rank() > overall.rank() {
			overall = r.Status
		}
	}
	return SystemHealth{
		Status:     overall,
		Uptime:     time.Since(m.startTime),
		Components: results,
		Goroutines: runtime.NumGoroutine(),
		MemoryMB:   mem.Alloc / 1024 / 1024,
		CheckedAt:  time.Now(),
	}
}

func (m *HealthMonitor) run(ctx context.Context, name string, check HealthCheck) (h ComponentHealth) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan ComponentHealth, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		done <- check(ctx)
	}()
	select {
	case h = <-done:
	case <-ctx.Done():
		h = ComponentHealth{Status: HealthStatusUnhealthy, Message: "check timed out"}
	}
	h.Name = name
	return h
}

// HealthHTTPHandler serves Check as JSON. UNHEALTHY answers 503.
func (m *HealthMonitor) HealthHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := m.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	}
}

// DatabaseHealthCheck creates a health check for database connections.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		h := ComponentHealth{Latency: time.Since(start)}

		switch {
		case err != nil:
			h.Status = HealthStatusUnhealthy
			h.Message = fmt.Sprintf("ping failed: %v", err)
		case h.Latency > 100*time.Millisecond:
			h.Status = HealthStatusDegraded
			h.Message = fmt.Sprintf("slow ping: %v", h.Latency)
		default:
			h.Status = HealthStatusHealthy
		}
		return h
	}
}

// BreakerHealthCheck reports an open breaker as UNHEALTHY and a half-open
// one as DEGRADED.
func BreakerHealthCheck(cb *CircuitBreaker) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		stats := cb.Stats()
		h := ComponentHealth{Status: HealthStatusHealthy}
		switch stats.State {
		case CircuitOpen:
			h.Status = HealthStatusUnhealthy
			h.Message = fmt.Sprintf("circuit open after %d failures", stats.CurrentFailures)
		case CircuitHalfOpen:
			h.Status = HealthStatusDegraded
			h.Message = "circuit half-open, probing"
		}
		return h
	}
}

// FlagHealthCheck reports DEGRADED with the flag's reason while it is set.
func FlagHealthCheck(flag func() (bool, string)) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if set, reason := flag(); set {
			return ComponentHealth{Status: HealthStatusDegraded, Message: reason}
		}
		return ComponentHealth{Status: HealthStatusHealthy}
	}
}
