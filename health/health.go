// Package health probes the liveness of a relay client's moving parts:
// the broker connection and the queues it depends on.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of one check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the report of one checker run.
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Registry runs a set of checkers.
type Registry struct {
	mu       sync.Mutex
	checkers []Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, c)
}

// Run executes every registered checker in registration order.
func (r *Registry) Run(ctx context.Context) []CheckResult {
	r.mu.Lock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.Unlock()

	results := make([]CheckResult, 0, len(checkers))
	for _, c := range checkers {
		results = append(results, c.Check(ctx))
	}
	return results
}

// Overall reduces a set of results to the worst status seen. An empty set is
// healthy.
func Overall(results []CheckResult) Status {
	overall := StatusHealthy
	for _, res := range results {
		switch res.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}
