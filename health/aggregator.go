package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/GoCodeAlone/bundlehost"
)

var (
	ErrNilChecker        = errors.New("health: nil checker")
	ErrDuplicateCheck    = errors.New("health: check already registered")
	ErrUnknownCheckType  = errors.New("health: unknown check type")
	ErrFrameworkStopped  = errors.New("framework has stopped")
	ErrFrameworkInactive = errors.New("framework is not active")
	ErrEventBacklog      = errors.New("event backlog above threshold")
)

// Config tunes the default checks.
type Config struct {
	// MaxEventBacklog is the undelivered event count above which the host is not ready.
	MaxEventBacklog int
	// MaxGoroutines is the goroutine count above which the host is not live.
	MaxGoroutines int
	CheckTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxEventBacklog <= 0 {
		c.MaxEventBacklog = 1000
	}
	if c.MaxGoroutines <= 0 {
		c.MaxGoroutines = 10000
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 2 * time.Second
	}
}

type registration struct {
	checker  Checker
	typ      CheckType
	optional bool
}

// Aggregator collects liveness and readiness checks and serves them over HTTP through a
// healthcheck.Handler.
type Aggregator struct {
	cfg     Config
	handler healthcheck.Handler

	mu     sync.RWMutex
	checks map[string]registration
	order  []string
}

// NewAggregator creates an aggregator with the default framework checks registered.
func NewAggregator(fw Framework, cfg Config) *Aggregator {
	cfg.applyDefaults()
	a := &Aggregator{
		cfg:     cfg,
		handler: healthcheck.NewHandler(),
		checks:  make(map[string]registration),
	}

	goroutines := healthcheck.GoroutineCountCheck(cfg.MaxGoroutines)
	defaults := []struct {
		c   Checker
		typ CheckType
	}{
		{CheckFunc{CheckName: "goroutine-threshold", Fn: func(context.Context) error { return goroutines() }}, CheckTypeLiveness},
		{CheckFunc{CheckName: "framework-running", Fn: func(context.Context) error {
			select {
			case <-fw.Stopped():
				return ErrFrameworkStopped
			default:
				return nil
			}
		}}, CheckTypeLiveness},
		{CheckFunc{CheckName: "framework-active", Fn: func(context.Context) error {
			if st := fw.State(); st != bundlehost.StateActive {
				return fmt.Errorf("%w: %s", ErrFrameworkInactive, st)
			}
			return nil
		}}, CheckTypeReadiness},
		{CheckFunc{CheckName: "event-backlog", Fn: func(context.Context) error {
			if n := fw.PendingEvents(); n > cfg.MaxEventBacklog {
				return fmt.Errorf("%w: %d pending, max %d", ErrEventBacklog, n, cfg.MaxEventBacklog)
			}
			return nil
		}}, CheckTypeReadiness},
	}
	for _, d := range defaults {
		// names are fixed and distinct
		_ = a.Register(d.c, d.typ, false)
	}
	return a
}

// Register adds a check. Failing optional checks are reported as warnings and never
// fail their probe.
func (a *Aggregator) Register(c Checker, typ CheckType, optional bool) error {
	if c == nil {
		return ErrNilChecker
	}
	if typ != CheckTypeLiveness && typ != CheckTypeReadiness {
		return fmt.Errorf("%w: %q", ErrUnknownCheckType, typ)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.checks[c.Name()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateCheck, c.Name())
	}
	a.checks[c.Name()] = registration{checker: c, typ: typ, optional: optional}
	a.order = append(a.order, c.Name())

	probe := a.probe(c, optional)
	if typ == CheckTypeLiveness {
		a.handler.AddLivenessCheck(c.Name(), probe)
	} else {
		a.handler.AddReadinessCheck(c.Name(), probe)
	}
	return nil
}

func (a *Aggregator) probe(c Checker, optional bool) healthcheck.Check {
	return healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CheckTimeout)
		defer cancel()
		err := c.Check(ctx)
		if optional {
			return nil
		}
		return err
	}, a.cfg.CheckTimeout)
}

// Handler serves /live and /ready. Append ?full=1 for per-check details.
func (a *Aggregator) Handler() http.Handler { return a.handler }

// LiveEndpoint serves the liveness probe.
func (a *Aggregator) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	a.handler.LiveEndpoint(w, r)
}

// ReadyEndpoint serves the readiness probe.
func (a *Aggregator) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	a.handler.ReadyEndpoint(w, r)
}

// CheckAll runs every check and aggregates the results. Readiness also fails when
// liveness does.
func (a *Aggregator) CheckAll(ctx context.Context) *AggregatedStatus {
	a.mu.RLock()
	regs := make([]registration, 0, len(a.order))
	for _, name := range a.order {
		regs = append(regs, a.checks[name])
	}
	a.mu.RUnlock()

	status := &AggregatedStatus{
		ReadinessStatus: StatusHealthy,
		LivenessStatus:  StatusHealthy,
		Timestamp:       time.Now(),
		CheckResults:    make(map[string]*CheckResult, len(regs)),
	}
	for _, reg := range regs {
		res := a.run(ctx, reg)
		status.CheckResults[res.Name] = res
		target := &status.ReadinessStatus
		if reg.typ == CheckTypeLiveness {
			target = &status.LivenessStatus
		}
		*target = worse(*target, res.Status)
	}
	status.ReadinessStatus = worse(status.ReadinessStatus, status.LivenessStatus)
	return status
}

func (a *Aggregator) run(ctx context.Context, reg registration) *CheckResult {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CheckTimeout)
	defer cancel()

	start := time.Now()
	err := reg.checker.Check(ctx)
	res := &CheckResult{
		Name:      reg.checker.Name(),
		Type:      reg.typ,
		Optional:  reg.optional,
		Status:    StatusHealthy,
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		res.Error = err.Error()
		res.Status = StatusCritical
		if reg.optional {
			res.Status = StatusWarning
		}
	}
	return res
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{StatusHealthy: 0, StatusWarning: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
