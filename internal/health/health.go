// Package health aggregates named checks into liveness, readiness and
// health probes for the admin listener.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/voronkovm/authpipe/internal/observability"
)

// Status is an aggregated or per-check health state.
type Status string

const (
	// StatusHealthy means fully operational.
	StatusHealthy Status = "healthy"

	// StatusDegraded means operational with reduced guarantees, for
	// example serving a stale configuration after a failed reload.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy means a dependency is down.
	StatusUnhealthy Status = "unhealthy"
)

// statusRank orders statuses from best to worst for aggregation.
func statusRank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// DefaultProbeTimeout bounds how long one probe may spend running
// checks.
const DefaultProbeTimeout = 5 * time.Second

// Check is a single check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc performs one health check.
type CheckFunc func(ctx context.Context) Check

// Report is the body served by the health and readiness probes.
type Report struct {
	Status    Status           `json:"status"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Checker runs registered checks and aggregates their statuses. The
// aggregate is the worst individual status.
type Checker struct {
	version      string
	startTime    time.Time
	probeTimeout time.Duration
	logger       observability.Logger
	mu           sync.RWMutex
	checks       map[string]CheckFunc
}

// CheckerOption is a functional option for the checker.
type CheckerOption func(*Checker)

// WithProbeTimeout sets the per-probe time budget.
func WithProbeTimeout(d time.Duration) CheckerOption {
	return func(c *Checker) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// WithCheckerLogger sets the logger.
func WithCheckerLogger(logger observability.Logger) CheckerOption {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChecker creates a checker. The version is reported verbatim in
// probe bodies.
func NewChecker(version string, opts ...CheckerOption) *Checker {
	c := &Checker{
		version:      version,
		startTime:    time.Now(),
		probeTimeout: DefaultProbeTimeout,
		logger:       observability.NopLogger(),
		checks:       make(map[string]CheckFunc),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RegisterCheck registers a named check. Registering an existing name
// replaces it.
func (c *Checker) RegisterCheck(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// UnregisterCheck removes a named check.
func (c *Checker) UnregisterCheck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Run executes all checks concurrently and aggregates the worst
// status.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]Check, len(checks)),
	}

	if len(checks) == 0 {
		return report
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()

			check := fn(ctx)

			if check.Status != StatusHealthy {
				c.logger.Warn("health check not healthy",
					observability.String("check", name),
					observability.String("status", string(check.Status)),
					observability.String("message", check.Message),
				)
			}

			mu.Lock()
			report.Checks[name] = check
			if statusRank(check.Status) > statusRank(report.Status) {
				report.Status = check.Status
			}
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()
	return report
}

// HealthHandler serves the detailed health report with version and
// uptime. Unhealthy aggregates answer 503.
func (c *Checker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), c.probeTimeout)
		defer cancel()

		report := c.Run(ctx)
		report.Version = c.version
		report.Uptime = time.Since(c.startTime).Round(time.Second).String()

		c.writeReport(w, report)
	}
}

// ReadinessHandler serves the readiness probe. Degraded still answers
// 200: the service keeps deciding on its last good state.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), c.probeTimeout)
		defer cancel()

		c.writeReport(w, c.Run(ctx))
	}
}

// LivenessHandler answers 200 whenever the process can serve at all.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

func (c *Checker) writeReport(w http.ResponseWriter, report Report) {
	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(report); err != nil {
		c.logger.Error("write health report", observability.Error(err))
	}
}
