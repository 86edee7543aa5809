// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"sync"
	"time"

	"github.com/bodhya/bodhya/pkg/errors"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

func (s HealthStatus) rank() int {
	switch s {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	}
	return 2
}

// Worse returns the less healthy of s and o.
func (s HealthStatus) Worse(o HealthStatus) HealthStatus {
	if o.rank() > s.rank() {
		return o
	}
	return s
}

// HealthResult is the outcome of one component check.
type HealthResult struct {
	Component string       `json:"component"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// HealthChecker checks the health of one component. Implementations should
// honor ctx deadlines.
type HealthChecker interface {
	Check(ctx context.Context) HealthResult
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) HealthResult

// Check calls f.
func (f HealthCheckFunc) Check(ctx context.Context) HealthResult { return f(ctx) }

// HealthRegistry runs named checkers and caches each result for a TTL.
type HealthRegistry struct {
	mu       sync.Mutex
	names    []string
	checkers map[string]HealthChecker
	cache    map[string]HealthResult
	ttl      time.Duration
	now      func() time.Time
}

// NewHealthRegistry creates a registry. A zero ttl disables caching.
func NewHealthRegistry(ttl time.Duration) *HealthRegistry {
	return &HealthRegistry{
		checkers: make(map[string]HealthChecker),
		cache:    make(map[string]HealthResult),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Register adds or replaces the checker for name. Results are reported in
// first-registration order.
func (r *HealthRegistry) Register(name string, checker HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checkers[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checkers[name] = checker
	delete(r.cache, name)
}

// Check runs the checker for name, or returns its cached result.
func (r *HealthRegistry) Check(ctx context.Context, name string) (HealthResult, error) {
	r.mu.Lock()
	checker, ok := r.checkers[name]
	cached, hit := r.cache[name]
	r.mu.Unlock()
	if !ok {
		return HealthResult{}, errors.Newf(errors.CodeNotFound, "no health checker named %q", name)
	}
	if hit && r.ttl > 0 && r.now().Sub(cached.CheckedAt) < r.ttl {
		return cached, nil
	}

	res := checker.Check(ctx)
	res.Component = name
	if res.Status == "" {
		res.Status = HealthUnhealthy
	}
	if res.CheckedAt.IsZero() {
		res.CheckedAt = r.now()
	}
	r.mu.Lock()
	r.cache[name] = res
	r.mu.Unlock()
	return res, nil
}

// CheckAll runs every checker concurrently and returns the results in
// registration order with the worst status among them.
func (r *HealthRegistry) CheckAll(ctx context.Context) ([]HealthResult, HealthStatus) {
	r.mu.Lock()
	names := append([]string(nil), r.names...)
	r.mu.Unlock()

	results := make([]HealthResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = r.Check(ctx, name)
		}()
	}
	wg.Wait()

	overall := HealthHealthy
	for _, res := range results {
		overall = overall.Worse(res.Status)
	}
	return results, overall
}
