package cleaner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/migadu/soracal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type mockDatabase struct {
	mock.Mock
}

func (m *mockDatabase) AcquireCleanupLock(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}
func (m *mockDatabase) ReleaseCleanupLock(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *mockDatabase) ExpiredInboxEntries(ctx context.Context, decided, pending time.Duration, limit int) ([]db.ExpiredInboxEntry, error) {
	args := m.Called(ctx, decided, pending, limit)
	return args.Get(0).([]db.ExpiredInboxEntry), args.Error(1)
}
func (m *mockDatabase) DeleteInboxEntries(ctx context.Context, ids []int64) (int64, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).(int64), args.Error(1)
}

type mockArchive struct {
	mock.Mock
}

func (m *mockArchive) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// --- Tests ---

const (
	decided = 90 * 24 * time.Hour
	pending = 365 * 24 * time.Hour
)

func newWorker(rdb DatabaseManager, archive ArchiveManager, batch int) *CleanupWorker {
	w := New(rdb, archive, time.Hour, decided, pending)
	w.batchSize = batch
	return w
}

func TestCleanupWorker_RunOnce_HappyPath(t *testing.T) {
	mockDB := new(mockDatabase)
	mockArc := new(mockArchive)
	ctx := context.Background()

	mockDB.On("AcquireCleanupLock", ctx).Return(true, nil)
	mockDB.On("ReleaseCleanupLock", mock.Anything).Return(nil)
	mockDB.On("ExpiredInboxEntries", ctx, decided, pending, 2).Return([]db.ExpiredInboxEntry{
		{ID: 1, S3Key: "example.com/alice/aa"},
		{ID: 2},
	}, nil).Once()
	mockDB.On("ExpiredInboxEntries", ctx, decided, pending, 2).Return([]db.ExpiredInboxEntry{{ID: 3}}, nil).Once()
	mockArc.On("Delete", ctx, "example.com/alice/aa").Return(nil)
	mockDB.On("DeleteInboxEntries", ctx, []int64{1, 2}).Return(int64(2), nil)
	mockDB.On("DeleteInboxEntries", ctx, []int64{3}).Return(int64(1), nil)

	n, err := newWorker(mockDB, mockArc, 2).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	mockDB.AssertExpectations(t)
	mockArc.AssertExpectations(t)
}

func TestCleanupWorker_RunOnce_LockHeldElsewhere(t *testing.T) {
	mockDB := new(mockDatabase)
	ctx := context.Background()
	mockDB.On("AcquireCleanupLock", ctx).Return(false, nil)

	n, err := newWorker(mockDB, nil, 10).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	mockDB.AssertNotCalled(t, "ExpiredInboxEntries", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	mockDB.AssertNotCalled(t, "ReleaseCleanupLock", mock.Anything)
}

func TestCleanupWorker_RunOnce_ArchiveFailureKeepsRow(t *testing.T) {
	mockDB := new(mockDatabase)
	mockArc := new(mockArchive)
	ctx := context.Background()

	mockDB.On("AcquireCleanupLock", ctx).Return(true, nil)
	mockDB.On("ReleaseCleanupLock", mock.Anything).Return(nil)
	mockDB.On("ExpiredInboxEntries", ctx, decided, pending, 2).Return([]db.ExpiredInboxEntry{
		{ID: 1, S3Key: "k1"},
		{ID: 2, S3Key: "k2"},
	}, nil).Once()
	mockArc.On("Delete", ctx, "k1").Return(errors.New("503 slow down"))
	mockArc.On("Delete", ctx, "k2").Return(nil)
	mockDB.On("DeleteInboxEntries", ctx, []int64{2}).Return(int64(1), nil)

	n, err := newWorker(mockDB, mockArc, 2).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	// A partial batch ends the run instead of listing the failed row again.
	mockDB.AssertNumberOfCalls(t, "ExpiredInboxEntries", 1)
}

func TestCleanupWorker_RunOnce_WithoutArchive(t *testing.T) {
	mockDB := new(mockDatabase)
	ctx := context.Background()

	mockDB.On("AcquireCleanupLock", ctx).Return(true, nil)
	mockDB.On("ReleaseCleanupLock", mock.Anything).Return(nil)
	mockDB.On("ExpiredInboxEntries", ctx, decided, pending, 10).Return([]db.ExpiredInboxEntry{{ID: 7, S3Key: "k"}}, nil).Once()
	mockDB.On("DeleteInboxEntries", ctx, []int64{7}).Return(int64(1), nil)

	n, err := newWorker(mockDB, nil, 10).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCleanupWorker_RunOnce_ListError(t *testing.T) {
	mockDB := new(mockDatabase)
	ctx := context.Background()

	mockDB.On("AcquireCleanupLock", ctx).Return(true, nil)
	mockDB.On("ReleaseCleanupLock", mock.Anything).Return(nil)
	mockDB.On("ExpiredInboxEntries", ctx, decided, pending, 10).Return([]db.ExpiredInboxEntry(nil), errors.New("connection reset"))

	_, err := newWorker(mockDB, nil, 10).RunOnce(ctx)
	assert.ErrorContains(t, err, "connection reset")
	mockDB.AssertCalled(t, "ReleaseCleanupLock", mock.Anything)
}
