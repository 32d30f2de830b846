package metrics

import (
	"context"
	"time"

	"github.com/migadu/soracal/logger"
)

// InventoryStats is a snapshot of what the database holds.
type InventoryStats struct {
	Accounts        int64
	Events          int64
	PendingAnalyses int64
	// OldestPending is nil when nothing is pending.
	OldestPending *time.Time
}

// StatsProvider is implemented by the database layer
type StatsProvider interface {
	GetInventoryStats(ctx context.Context) (*InventoryStats, error)
}

// Collector refreshes the inventory gauges from the database on a fixed
// interval. Query failures leave the previous values in place.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
}

func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		provider: provider,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start collects once, then on every tick until ctx is done or Stop is
// called. It blocks.
func (c *Collector) Start(ctx context.Context) {
	logger.Info("MetricsCollector: started", "interval", c.interval)
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector: stopped", "reason", "context")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector: stopped", "reason", "stop")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.GetInventoryStats(ctx)
	if err != nil {
		logger.Warn("MetricsCollector: inventory query failed", "error", err)
		return
	}

	AccountsTotal.Set(float64(stats.Accounts))
	EventsTotal.Set(float64(stats.Events))
	PendingAnalyses.Set(float64(stats.PendingAnalyses))
	age := 0.0
	if stats.OldestPending != nil {
		age = c.now().Sub(*stats.OldestPending).Seconds()
	}
	OldestPendingAge.Set(age)
}
