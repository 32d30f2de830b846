package main

import (
	"context"
	"errors"
	"testing"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/itip"
	"github.com/migadu/soracal/mailcal"
	"github.com/migadu/soracal/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	msgs   []string
	closed bool
}

func (s *sliceSource) Each(ctx context.Context, fn func(uid uint32, raw []byte) error) error {
	for i, m := range s.msgs {
		if err := fn(uint32(i+1), []byte(m)); err != nil {
			return err
		}
	}
	return nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

type mockPipeline struct {
	mock.Mock
}

func (m *mockPipeline) Analyze(ctx context.Context, p calendar.Principal, raw []byte) (*itip.Analysis, *mailcal.Envelope, error) {
	args := m.Called(string(raw))
	a, _ := args.Get(0).(*itip.Analysis)
	env, _ := args.Get(1).(*mailcal.Envelope)
	return a, env, args.Error(2)
}

func (m *mockPipeline) Process(ctx context.Context, p calendar.Principal, raw []byte, source string) (*processor.Outcome, error) {
	args := m.Called(string(raw), source)
	out, _ := args.Get(0).(*processor.Outcome)
	return out, args.Error(1)
}

var importee = calendar.Principal{AccountID: 3, Email: "alice@example.com"}

func TestImporterProcessesInOrder(t *testing.T) {
	pipeline := &mockPipeline{}
	var order []string
	record := func(args mock.Arguments) { order = append(order, args.String(0)) }
	pipeline.On("Process", "request", "import").Return(&processor.Outcome{Status: processor.StatusStored, EntryID: 1}, nil).Run(record)
	pipeline.On("Process", "reply", "import").Return(&processor.Outcome{Status: processor.StatusApplied, EntryID: 2}, nil).Run(record)
	pipeline.On("Process", "newsletter", "import").Return(&processor.Outcome{Status: processor.StatusNotScheduling}, nil).Run(record)
	pipeline.On("Process", "broken", "import").Return(nil, errors.New("database unavailable")).Run(record)

	src := &sliceSource{msgs: []string{"request", "reply", "newsletter", "broken"}}
	stats, err := NewImporter(pipeline, importee, false).Run(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, []string{"request", "reply", "newsletter", "broken"}, order)
	assert.Equal(t, 4, stats.Seen)
	assert.Equal(t, 1, stats.ByStatus[processor.StatusStored])
	assert.Equal(t, 1, stats.ByStatus[processor.StatusApplied])
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Failed)
	pipeline.AssertNotCalled(t, "Analyze", mock.Anything)
}

func TestImporterDryRunOnlyAnalyzes(t *testing.T) {
	pipeline := &mockPipeline{}
	pipeline.On("Analyze", "request").Return(&itip.Analysis{
		UID:     "ev-1",
		Method:  itip.MethodRequest,
		Actions: []itip.Action{itip.ActionAccept, itip.ActionDecline},
	}, &mailcal.Envelope{Subject: "Planning"}, nil)
	pipeline.On("Analyze", "plain").Return(nil, nil, consts.ErrNoCalendarPart)

	src := &sliceSource{msgs: []string{"request", "plain"}}
	stats, err := NewImporter(pipeline, importee, true).Run(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Seen)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Failed)
	pipeline.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestImporterStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := NewImporter(&mockPipeline{}, importee, false).Run(ctx, &sliceSource{msgs: []string{"a", "b"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Seen)
}

func TestJoinActions(t *testing.T) {
	assert.Equal(t, "ACCEPT,DECLINE", joinActions([]itip.Action{itip.ActionAccept, itip.ActionDecline}))
	assert.Equal(t, "", joinActions(nil))
}
