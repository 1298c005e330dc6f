// Package health exposes liveness and readiness of a bundle framework.
package health

import (
	"context"
	"time"

	"github.com/GoCodeAlone/bundlehost"
)

// Checker is a named health check.
type Checker interface {
	// Name returns the unique name of this check
	Name() string

	// Check returns nil when healthy
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// Framework is the view of a framework the default checks need.
type Framework interface {
	State() bundlehost.State
	PendingEvents() int
	Stopped() <-chan struct{}
}

// CheckType tells which probe a check belongs to.
type CheckType string

const (
	CheckTypeLiveness  CheckType = "liveness"
	CheckTypeReadiness CheckType = "readiness"
)

// HealthStatus represents the status of a check or probe
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

// CheckResult represents the result of a single health check
type CheckResult struct {
	Name      string        `json:"name"`
	Type      CheckType     `json:"type"`
	Optional  bool          `json:"optional,omitempty"`
	Status    HealthStatus  `json:"status"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// AggregatedStatus represents the aggregated status of all health checks
type AggregatedStatus struct {
	ReadinessStatus HealthStatus            `json:"readiness_status"`
	LivenessStatus  HealthStatus            `json:"liveness_status"`
	Timestamp       time.Time               `json:"timestamp"`
	CheckResults    map[string]*CheckResult `json:"check_results"`
}

// Ready reports whether the readiness probe passes.
func (s *AggregatedStatus) Ready() bool { return s.ReadinessStatus != StatusCritical }

// Live reports whether the liveness probe passes.
func (s *AggregatedStatus) Live() bool { return s.LivenessStatus != StatusCritical }
