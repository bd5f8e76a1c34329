package service

import (
	"context"
	"runtime"
	"time"
)

// Component health grades, ordered by severity.
const (
	healthHealthy   = "healthy"
	healthDegraded  = "degraded"
	healthUnhealthy = "unhealthy"
)

// Memory grading thresholds for the daemon's heap.
const (
	memDegradedBytes  = 512 << 20
	memUnhealthyBytes = 1 << 30
)

// healthReport is the /health/llm body.
type healthReport struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// checkHealth grades each component and folds them worst-of into the
// overall status.
func (s *Service) checkHealth(ctx context.Context) healthReport {
	components := map[string]string{
		"database": s.databaseHealth(ctx),
		"llm":      s.llmHealth(),
		"queue":    s.queueHealth(),
		"memory":   memoryHealth(),
	}

	overall := healthHealthy
	for _, grade := range components {
		if worse(grade, overall) {
			overall = grade
		}
	}
	return healthReport{
		Status:     overall,
		Service:    "llm_processor",
		Components: components,
		Timestamp:  s.now().UTC(),
	}
}

func (s *Service) databaseHealth(ctx context.Context) string {
	if s.repo == nil {
		return healthHealthy
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		return healthUnhealthy
	}
	return healthHealthy
}

// llmHealth reads the extraction breaker: open means the model is being
// shed, half-open means it is being probed.
func (s *Service) llmHealth() string {
	if s.breakers == nil {
		return healthHealthy
	}
	switch s.breakers.States()["llm"] {
	case "open":
		return healthUnhealthy
	case "half-open":
		return healthDegraded
	default:
		return healthHealthy
	}
}

func (s *Service) queueHealth() string {
	depth, capacity := s.QueueDepth(), s.QueueCapacity()
	switch {
	case depth >= capacity:
		return healthUnhealthy
	case depth*10 >= capacity*8:
		return healthDegraded
	default:
		return healthHealthy
	}
}

func memoryHealth() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	switch {
	case m.HeapAlloc >= memUnhealthyBytes:
		return healthUnhealthy
	case m.HeapAlloc >= memDegradedBytes:
		return healthDegraded
	default:
		return healthHealthy
	}
}

func worse(a, b string) bool {
	return rank(a) > rank(b)
}

func rank(grade string) int {
	switch grade {
	case healthUnhealthy:
		return 2
	case healthDegraded:
		return 1
	default:
		return 0
	}
}
