package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/migadu/soracal/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckNowAggregatesStatus(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{Name: "database", Critical: true, Check: func(context.Context) error { return nil }})
	spamdErr := errors.New("connection refused")
	hm.RegisterCheck(&HealthCheck{Name: "spamd", Check: func(context.Context) error { return spamdErr }})

	rep := hm.CheckNow(context.Background())
	assert.Equal(t, StatusDegraded, rep.Status)
	require.Len(t, rep.Components, 2)
	assert.Equal(t, "database", rep.Components[0].Name)
	assert.Equal(t, StatusHealthy, rep.Components[0].Status)
	assert.Equal(t, "spamd", rep.Components[1].Name)
	assert.Equal(t, StatusUnhealthy, rep.Components[1].Status, "first check failed: failure rate 100%")
	assert.Equal(t, "connection refused", rep.Components[1].Error)
}

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	hm := NewHealthMonitor()
	fail := true
	hm.RegisterCheck(&HealthCheck{Name: "database", Critical: true, Check: func(context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	}})

	assert.Equal(t, StatusUnhealthy, hm.CheckNow(context.Background()).Status)
	fail = false
	assert.Equal(t, StatusHealthy, hm.CheckNow(context.Background()).Status)
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
}

func TestPanickingCheck(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{Name: "s3", Critical: true, Check: func(context.Context) error { panic("boom") }})

	rep := hm.CheckNow(context.Background())
	assert.Equal(t, StatusUnhealthy, rep.Status)
	assert.Contains(t, rep.Components[0].Error, "boom")
}

func TestCheckTimeout(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{Name: "slow", Timeout: 10 * time.Millisecond, Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	rep := hm.CheckNow(context.Background())
	assert.Equal(t, StatusUnhealthy, rep.Components[0].Status)
}

func TestBreakerCheck(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultSettings("health_test", 1, time.Hour, 1))
	check := BreakerCheck(cb)
	assert.NoError(t, check(context.Background()))

	_ = circuitbreaker.Do(context.Background(), cb, func(context.Context) error { return errors.New("fail") })
	assert.Error(t, check(context.Background()))
}
