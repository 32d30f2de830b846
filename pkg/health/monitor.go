// Package health runs periodic dependency checks (database, spamd, S3,
// circuit breakers) and exposes their latest results to the HTTP API.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/circuitbreaker"
	"github.com/migadu/soracal/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // If true, failure affects overall system health

	// Fields below are protected by mu
	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// ComponentReport is the JSON view of one check.
type ComponentReport struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check"`
	Error     string          `json:"error,omitempty"`
}

type Report struct {
	Status     ComponentStatus   `json:"status"`
	Components []ComponentReport `json:"components"`
}

type HealthMonitor struct {
	checks        map[string]*HealthCheck
	mu            sync.RWMutex
	overallStatus ComponentStatus
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every check once and then on its own interval until ctx is
// cancelled or Stop is called.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		go hm.runHealthCheck(check)
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
}

func (hm *HealthMonitor) runHealthCheck(check *HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Info("Health: monitoring started", "check", check.Name, "interval", check.Interval)
	hm.performCheck(hm.ctx, check)
	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(hm.ctx, check)
		}
	}
}

// CheckNow runs all checks synchronously and returns the resulting report.
func (hm *HealthMonitor) CheckNow(ctx context.Context) Report {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hm.performCheck(ctx, c)
		}()
	}
	wg.Wait()
	return hm.Report()
}

func (hm *HealthMonitor) performCheck(parent context.Context, check *HealthCheck) {
	// A panicking check marks its component unhealthy instead of killing the monitor.
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("Health: PANIC during check", "check", check.Name, "error", err)

			check.mu.Lock()
			check.status = StatusUnhealthy
			check.lastError = err
			check.mu.Unlock()
			hm.updateOverallStatus()
		}
	}()

	ctx, cancel := context.WithTimeout(parent, check.Timeout)
	defer cancel()

	start := time.Now()
	err := check.Check(ctx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previous := check.status
	if err != nil {
		check.failCount++
		check.lastError = err
		// A single failure degrades; a sustained failure rate is unhealthy.
		if float64(check.failCount)/float64(check.checkCount) >= 0.5 {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}
	current := check.status
	check.mu.Unlock()

	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue(current))
	if previous != current {
		if err != nil {
			logger.Warn("Health: check status changed", "check", check.Name, "from", previous, "to", current, "error", err)
		} else {
			logger.Info("Health: check status changed", "check", check.Name, "from", previous, "to", current)
		}
	}
	hm.updateOverallStatus()
}

func statusValue(s ComponentStatus) float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	}
	return 0
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.status
		critical := check.Critical
		check.mu.RUnlock()

		switch {
		case critical && (status == StatusUnhealthy || status == StatusUnreachable):
			criticalUnhealthy = true
		case status != StatusHealthy:
			anyDegraded = true
		}
	}

	previous := hm.overallStatus
	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}
	if previous != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", previous, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

// Report returns the latest result of every check, sorted by name.
func (hm *HealthMonitor) Report() Report {
	hm.mu.RLock()
	rep := Report{Status: hm.overallStatus}
	for _, c := range hm.checks {
		c.mu.RLock()
		cr := ComponentReport{Name: c.Name, Status: c.status, Critical: c.Critical, LastCheck: c.lastCheck}
		if c.lastError != nil {
			cr.Error = c.lastError.Error()
		}
		c.mu.RUnlock()
		rep.Components = append(rep.Components, cr)
	}
	hm.mu.RUnlock()

	sort.Slice(rep.Components, func(i, j int) bool { return rep.Components[i].Name < rep.Components[j].Name })
	return rep
}

// BreakerCheck reports an open circuit breaker as a failure.
func BreakerCheck(cb *circuitbreaker.CircuitBreaker) func(ctx context.Context) error {
	return func(context.Context) error {
		switch cb.State() {
		case circuitbreaker.StateOpen:
			return fmt.Errorf("circuit breaker %s is open", cb.Name())
		case circuitbreaker.StateHalfOpen:
			counts := cb.Counts()
			if counts.ConsecutiveFailures > 0 {
				return fmt.Errorf("circuit breaker %s is recovering", cb.Name())
			}
		}
		return nil
	}
}
