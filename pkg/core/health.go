// SPDX-License-Identifier: Apache-2.0
// Package core provides the shared data model for the control plane.
package core

import (
	"context"
	"sync"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	// HealthHealthy indicates the component is fully operational.
	HealthHealthy HealthStatus = "HEALTHY"

	// HealthDegraded indicates the component is operational but with reduced capacity.
	HealthDegraded HealthStatus = "DEGRADED"

	// HealthUnhealthy indicates the component is not operational.
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// HealthResult represents the result of a health check.
type HealthResult struct {
	Status    HealthStatus
	Component string
	Message   string
	LastCheck time.Time
	Error     error
}

// HealthChecker checks the health of a component.
type HealthChecker interface {
	Check(ctx context.Context) HealthResult
}

// HealthRegistry aggregates health checkers for the doctor surface.
type HealthRegistry struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{checkers: make(map[string]HealthChecker)}
}

// Register adds a checker under the given component name.
func (r *HealthRegistry) Register(name string, checker HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = checker
}

// CheckAll runs every registered checker and returns the individual results
// plus the worst overall status.
func (r *HealthRegistry) CheckAll(ctx context.Context) ([]HealthResult, HealthStatus) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	overall := HealthHealthy
	results := make([]HealthResult, 0, len(r.checkers))
	for name, checker := range r.checkers {
		result := checker.Check(ctx)
		if result.Component == "" {
			result.Component = name
		}
		results = append(results, result)
		switch result.Status {
		case HealthUnhealthy:
			overall = HealthUnhealthy
		case HealthDegraded:
			if overall == HealthHealthy {
				overall = HealthDegraded
			}
		}
	}
	return results, overall
}

// HealthCheckFunc adapts a function to the HealthChecker interface.
type HealthCheckFunc func(ctx context.Context) HealthResult

// Check implements HealthChecker.
func (f HealthCheckFunc) Check(ctx context.Context) HealthResult {
	return f(ctx)
}
