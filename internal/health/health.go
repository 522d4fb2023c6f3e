// Package health provides component health checks for stepsyncd.
//
// The user-facing "tracking degraded" indicator is the sensor component
// reporting degraded once it has been unavailable past the configured
// grace period; everything else (ledger reachability, store integrity)
// feeds the same aggregated status.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is degraded but the engine
	// continues (e.g. sensor on last-known value).
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is failing.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component has not been checked yet.
	StatusUnknown Status = "unknown"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	Error       string    `json:"error,omitempty"`
}

// Check performs a health check for one component.
type Check func(ctx context.Context) CheckResult

// Component is a health-checkable part of the daemon.
type Component struct {
	Name     string
	Critical bool // Failure makes the overall status unhealthy.
	Check    Check
	Timeout  time.Duration
}

// Checker runs component checks and aggregates their results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register adds a component. Re-registering a name replaces it.
func (c *Checker) Register(comp *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if comp.Timeout <= 0 {
		comp.Timeout = 5 * time.Second
	}
	c.components[comp.Name] = comp
	if _, ok := c.results[comp.Name]; !ok {
		c.results[comp.Name] = CheckResult{Status: StatusUnknown}
	}
}

// RunAll executes every registered check and stores the results.
func (c *Checker) RunAll(ctx context.Context) {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	for _, comp := range comps {
		checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
		result := comp.Check(checkCtx)
		cancel()
		result.LastChecked = time.Now()

		c.mu.Lock()
		c.results[comp.Name] = result
		c.mu.Unlock()
	}
}

// Report is the aggregated health state.
type Report struct {
	Status     Status                 `json:"status"`
	UptimeSec  int64                  `json:"uptime_sec"`
	Components map[string]CheckResult `json:"components"`
}

// Overall aggregates the most recent results: any critical component
// unhealthy makes the whole daemon unhealthy; any degradation anywhere
// makes it degraded.
func (c *Checker) Overall() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := Report{
		Status:     StatusHealthy,
		UptimeSec:  int64(time.Since(c.startTime).Seconds()),
		Components: make(map[string]CheckResult, len(c.results)),
	}

	for name, result := range c.results {
		report.Components[name] = result

		comp := c.components[name]
		switch result.Status {
		case StatusUnhealthy:
			if comp != nil && comp.Critical {
				report.Status = StatusUnhealthy
			} else if report.Status != StatusUnhealthy {
				report.Status = StatusDegraded
			}
		case StatusDegraded, StatusUnknown:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}

	return report
}

// Handler serves the aggregated report. Unhealthy maps to 503, anything
// else to 200 (degraded is still serving).
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.RunAll(r.Context())
		report := c.Overall()

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	})
}
