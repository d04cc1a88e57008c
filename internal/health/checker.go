// Package health answers the liveness and readiness probes of the fan-out service.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ReadinessChecker is a dependency that can report whether it serves requests.
// The subscription store and the intake consumer implement it.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

func (f ReadinessFunc) Ready(ctx context.Context) error { return f(ctx) }

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// Response is the probe body.
type Response struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	CheckedAt time.Time              `json:"checkedAt"`
}

// IsHealthy reports whether the service should receive traffic.
// Degraded services still do.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// Check is a named dependency. A failing optional check only degrades readiness.
type Check struct {
	Name     string
	Checker  ReadinessChecker
	Optional bool
}

// Checker evaluates dependency checks for the readiness probe.
type Checker struct {
	checks   []Check
	timeout  time.Duration
	cacheTTL time.Duration

	draining atomic.Bool

	mu     sync.Mutex
	cached *Response
}

// NewChecker returns a checker over checks. Each check gets 5s; results are reused for 1s.
func NewChecker(checks ...Check) *Checker {
	return &Checker{
		checks:   checks,
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
	}
}

// Liveness never touches dependencies.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy, CheckedAt: time.Now()}
}

// Readiness runs every check concurrently and folds the results.
func (c *Checker) Readiness(ctx context.Context) *Response {
	if c.draining.Load() {
		return &Response{
			Status:    StatusUnhealthy,
			Checks:    map[string]CheckResult{"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"}},
			CheckedAt: time.Now(),
		}
	}

	c.mu.Lock()
	if c.cached != nil && time.Since(c.cached.CheckedAt) < c.cacheTTL {
		resp := c.cached
		c.mu.Unlock()
		return resp
	}
	c.mu.Unlock()

	resp := c.evaluate(ctx)

	c.mu.Lock()
	if !c.draining.Load() {
		c.cached = resp
	}
	c.mu.Unlock()
	return resp
}

func (c *Checker) evaluate(ctx context.Context) *Response {
	results := make([]CheckResult, len(c.checks))
	var wg sync.WaitGroup
	for i, check := range c.checks {
		wg.Go(func() { results[i] = c.run(ctx, check) })
	}
	wg.Wait()

	resp := &Response{
		Status:    StatusHealthy,
		Checks:    make(map[string]CheckResult, len(c.checks)),
		CheckedAt: time.Now(),
	}
	if len(c.checks) == 0 {
		resp.Status = StatusUnhealthy
		resp.Checks["dependencies"] = CheckResult{Status: StatusUnhealthy, Message: "no dependencies configured"}
	}
	for i, check := range c.checks {
		resp.Checks[check.Name] = results[i]
		switch {
		case results[i].Status == StatusHealthy:
		case !check.Optional:
			resp.Status = StatusUnhealthy
		case resp.Status == StatusHealthy:
			resp.Status = StatusDegraded
		}
	}
	return resp
}

func (c *Checker) run(ctx context.Context, check Check) CheckResult {
	if check.Checker == nil {
		return CheckResult{Status: StatusUnhealthy, Message: check.Name + " not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := check.Checker.Ready(ctx)
	result := CheckResult{Status: StatusHealthy, ElapsedMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = StatusUnhealthy
		if check.Optional {
			result.Status = StatusDegraded
		}
		result.Message = err.Error()
	}
	return result
}

// SetShuttingDown fails readiness from now on so load balancers stop routing here.
func (c *Checker) SetShuttingDown() {
	c.draining.Store(true)
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
