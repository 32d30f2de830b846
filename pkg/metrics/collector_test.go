package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockStatsProvider struct {
	mock.Mock
}

func (m *mockStatsProvider) GetInventoryStats(ctx context.Context) (*InventoryStats, error) {
	args := m.Called(ctx)
	if s := args.Get(0); s != nil {
		return s.(*InventoryStats), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestCollectorUpdatesGauges(t *testing.T) {
	provider := new(mockStatsProvider)
	provider.On("GetInventoryStats", mock.Anything).
		Return(&InventoryStats{Accounts: 3, Events: 42, PendingAnalyses: 7}, nil)

	c := NewCollector(provider, time.Hour)
	c.collect(context.Background())

	assert.Equal(t, 3.0, testutil.ToFloat64(AccountsTotal))
	assert.Equal(t, 42.0, testutil.ToFloat64(EventsTotal))
	assert.Equal(t, 7.0, testutil.ToFloat64(PendingAnalyses))
	provider.AssertExpectations(t)
}

func TestCollectorOldestPendingAge(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	oldest := now.Add(-90 * time.Minute)
	provider := new(mockStatsProvider)
	provider.On("GetInventoryStats", mock.Anything).Return(&InventoryStats{PendingAnalyses: 2, OldestPending: &oldest}, nil).Once()
	provider.On("GetInventoryStats", mock.Anything).Return(&InventoryStats{}, nil).Once()

	c := NewCollector(provider, time.Hour)
	c.now = func() time.Time { return now }
	c.collect(context.Background())
	assert.Equal(t, 5400.0, testutil.ToFloat64(OldestPendingAge))

	c.collect(context.Background())
	assert.Zero(t, testutil.ToFloat64(OldestPendingAge))
}

func TestCollectorKeepsGaugesOnError(t *testing.T) {
	EventsTotal.Set(5)
	provider := new(mockStatsProvider)
	provider.On("GetInventoryStats", mock.Anything).Return(nil, errors.New("db down"))

	NewCollector(provider, time.Hour).collect(context.Background())

	assert.Equal(t, 5.0, testutil.ToFloat64(EventsTotal))
}

func TestCollectorStopsOnCancel(t *testing.T) {
	provider := new(mockStatsProvider)
	provider.On("GetInventoryStats", mock.Anything).Return(&InventoryStats{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c := NewCollector(provider, 10*time.Millisecond)
	go func() {
		c.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
