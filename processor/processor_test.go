package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/itip"
	"github.com/migadu/soracal/spamc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type mockDedup struct {
	mock.Mock
}

func (m *mockDedup) Claim(ctx context.Context, accountID int64, messageID, contentHash string) (bool, error) {
	args := m.Called(ctx, accountID, messageID, contentHash)
	return args.Bool(0), args.Error(1)
}
func (m *mockDedup) Release(ctx context.Context, accountID int64, messageID, contentHash string) error {
	args := m.Called(ctx, accountID, messageID, contentHash)
	return args.Error(0)
}

type mockSpam struct {
	mock.Mock
}

func (m *mockSpam) Check(ctx context.Context, raw []byte) (*spamc.Result, error) {
	args := m.Called(ctx, raw)
	res, _ := args.Get(0).(*spamc.Result)
	return res, args.Error(1)
}

type mockArchive struct {
	mock.Mock
}

func (m *mockArchive) Archive(ctx context.Context, email string, raw []byte) (string, error) {
	args := m.Called(ctx, email, raw)
	return args.String(0), args.Error(1)
}

type mockInbox struct {
	mock.Mock
}

func (m *mockInbox) InsertInboxEntry(ctx context.Context, e *db.InboxEntry) (int64, error) {
	args := m.Called(ctx, e)
	return args.Get(0).(int64), args.Error(1)
}
func (m *mockInbox) SupersedePending(ctx context.Context, accountID int64, uid string, keepID int64) (int64, error) {
	args := m.Called(ctx, accountID, uid, keepID)
	return args.Get(0).(int64), args.Error(1)
}
func (m *mockInbox) MarkApplied(ctx context.Context, accountID, id int64, action itip.Action, mode string) error {
	args := m.Called(ctx, accountID, id, action, mode)
	return args.Error(0)
}

// --- Fixtures ---

var (
	alice = calendar.Principal{AccountID: 1, Email: "alice@example.com", DisplayName: "Alice"}
	bob   = calendar.Principal{AccountID: 2, Email: "bob@example.com", DisplayName: "Bob"}
)

func schedulingMail(method, from, messageID, vevent string) []byte {
	return []byte("From: " + from + "\r\n" +
		"To: someone@example.com\r\n" +
		"Subject: Planning\r\n" +
		"Message-ID: " + messageID + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/calendar; charset=utf-8; method=" + method + "\r\n" +
		"\r\n" +
		"BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//test//EN\r\n" +
		"METHOD:" + method + "\r\n" +
		vevent +
		"END:VCALENDAR\r\n")
}

const requestEvent = "BEGIN:VEVENT\r\n" +
	"UID:plan-1\r\n" +
	"SEQUENCE:0\r\n" +
	"DTSTAMP:20270301T080000Z\r\n" +
	"DTSTART:20270310T100000Z\r\n" +
	"DTEND:20270310T110000Z\r\n" +
	"SUMMARY:Planning\r\n" +
	"ORGANIZER:mailto:bob@example.com\r\n" +
	"ATTENDEE;PARTSTAT=ACCEPTED:mailto:bob@example.com\r\n" +
	"ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:alice@example.com\r\n" +
	"END:VEVENT\r\n"

const replyEvent = "BEGIN:VEVENT\r\n" +
	"UID:plan-1\r\n" +
	"SEQUENCE:0\r\n" +
	"DTSTAMP:20270302T080000Z\r\n" +
	"DTSTART:20270310T100000Z\r\n" +
	"DTEND:20270310T110000Z\r\n" +
	"SUMMARY:Planning\r\n" +
	"ORGANIZER:mailto:bob@example.com\r\n" +
	"ATTENDEE;PARTSTAT=ACCEPTED:mailto:alice@example.com\r\n" +
	"END:VEVENT\r\n"

func storedPlanning() *calendar.Event {
	start := time.Date(2027, 3, 10, 10, 0, 0, 0, time.UTC)
	return &calendar.Event{
		UID:       "plan-1",
		DTStamp:   time.Date(2027, 3, 1, 8, 0, 0, 0, time.UTC),
		Summary:   "Planning",
		Start:     start,
		End:       start.Add(time.Hour),
		Organizer: &calendar.Attendee{Email: "bob@example.com"},
		Attendees: []*calendar.Attendee{
			{Email: "bob@example.com", PartStat: calendar.PartStatAccepted},
			{Email: "alice@example.com", PartStat: calendar.PartStatNeedsAction, RSVP: true},
		},
	}
}

type harness struct {
	store   *calendar.MemoryProvider
	inbox   *mockInbox
	dedup   *mockDedup
	spam    *mockSpam
	archive *mockArchive
	proc    *Processor
}

func newHarness(opts Options) *harness {
	h := &harness{
		store:   calendar.NewMemoryProvider("local"),
		inbox:   new(mockInbox),
		dedup:   new(mockDedup),
		spam:    new(mockSpam),
		archive: new(mockArchive),
	}
	analyzer := itip.NewAnalyzerService(h.store, itip.Options{})
	performer := itip.NewPerformer(h.store, nil)
	h.proc = New(analyzer, h.inbox, performer, h.dedup, h.spam, h.archive, opts)
	return h
}

// --- Tests ---

func TestProcessStoresRequest(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()
	raw := schedulingMail("REQUEST", "bob@example.com", "<req-1@example.com>", requestEvent)

	h.dedup.On("Claim", ctx, alice.AccountID, "req-1@example.com", mock.Anything).Return(true, nil).Once()
	h.spam.On("Check", ctx, raw).Return(&spamc.Result{Score: 1.5, Threshold: 5}, nil).Once()
	h.archive.On("Archive", ctx, alice.Email, raw).Return("example.com/alice/abc", nil).Once()
	h.inbox.On("InsertInboxEntry", ctx, mock.MatchedBy(func(e *db.InboxEntry) bool {
		return e.AccountID == alice.AccountID && e.UID == "plan-1" && e.Method == "REQUEST" &&
			e.Organizer == "bob@example.com" && e.S3Key == "example.com/alice/abc" && *e.SpamScore == 1.5
	})).Return(int64(10), nil).Once()
	h.inbox.On("SupersedePending", ctx, alice.AccountID, "plan-1", int64(10)).Return(int64(1), nil).Once()

	out, err := h.proc.Process(ctx, alice, raw, "lmtp")
	require.NoError(t, err)
	assert.Equal(t, StatusStored, out.Status)
	assert.EqualValues(t, 10, out.EntryID)
	assert.EqualValues(t, 1, out.Superseded)
	require.NotNil(t, out.Analysis)
	assert.True(t, out.Analysis.HasAction(itip.ActionAccept))
	assert.Empty(t, out.Applied)

	h.dedup.AssertExpectations(t)
	h.spam.AssertExpectations(t)
	h.archive.AssertExpectations(t)
	h.inbox.AssertExpectations(t)
	h.inbox.AssertNotCalled(t, "MarkApplied", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSupersedesOrganizerMethodsOnly(t *testing.T) {
	tests := []struct {
		method itip.Method
		want   bool
	}{
		{itip.MethodRequest, true},
		{itip.MethodAdd, true},
		{itip.MethodCancel, true},
		{itip.MethodPublish, false},
		{itip.MethodReply, false},
		{itip.MethodRefresh, false},
		{itip.MethodCounter, false},
		{itip.MethodDeclineCounter, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			assert.Equal(t, tt.want, supersedes(tt.method))
		})
	}
}

func TestProcessSkipsDuplicates(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()
	raw := schedulingMail("REQUEST", "bob@example.com", "<req-1@example.com>", requestEvent)

	h.dedup.On("Claim", ctx, alice.AccountID, "req-1@example.com", mock.Anything).Return(false, nil).Once()

	out, err := h.proc.Process(ctx, alice, raw, "lmtp")
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, out.Status)
	h.spam.AssertNotCalled(t, "Check", mock.Anything, mock.Anything)
	h.inbox.AssertNotCalled(t, "InsertInboxEntry", mock.Anything, mock.Anything)
}

func TestProcessInboxDuplicate(t *testing.T) {
	h := newHarness(Options{})
	h.proc.dedup = nil
	ctx := context.Background()
	raw := schedulingMail("REQUEST", "bob@example.com", "<req-1@example.com>", requestEvent)

	h.spam.On("Check", ctx, raw).Return(&spamc.Result{}, nil)
	h.archive.On("Archive", ctx, alice.Email, raw).Return("k", nil)
	h.inbox.On("InsertInboxEntry", ctx, mock.Anything).Return(int64(0), consts.ErrDuplicateMessage)

	out, err := h.proc.Process(ctx, alice, raw, "import")
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, out.Status)
	h.inbox.AssertNotCalled(t, "SupersedePending", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessSpam(t *testing.T) {
	ctx := context.Background()
	raw := schedulingMail("REQUEST", "bob@example.com", "<spam@example.com>", requestEvent)
	verdict := &spamc.Result{Spam: true, Score: 12.3, Threshold: 5}

	t.Run("skipped", func(t *testing.T) {
		h := newHarness(Options{})
		h.dedup.On("Claim", ctx, alice.AccountID, mock.Anything, mock.Anything).Return(true, nil)
		h.spam.On("Check", ctx, raw).Return(verdict, nil)

		out, err := h.proc.Process(ctx, alice, raw, "lmtp")
		require.NoError(t, err)
		assert.Equal(t, StatusSpam, out.Status)
		require.NotNil(t, out.SpamScore)
		assert.Equal(t, 12.3, *out.SpamScore)
		h.inbox.AssertNotCalled(t, "InsertInboxEntry", mock.Anything, mock.Anything)
	})

	t.Run("rejected keeps the claim", func(t *testing.T) {
		h := newHarness(Options{RejectSpam: true})
		h.dedup.On("Claim", ctx, alice.AccountID, mock.Anything, mock.Anything).Return(true, nil)
		h.spam.On("Check", ctx, raw).Return(verdict, nil)

		_, err := h.proc.Process(ctx, alice, raw, "lmtp")
		assert.ErrorIs(t, err, consts.ErrSpamRejected)
		h.dedup.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("local threshold", func(t *testing.T) {
		h := newHarness(Options{SpamThreshold: 20})
		h.proc.dedup = nil
		h.spam.On("Check", ctx, raw).Return(verdict, nil)
		h.archive.On("Archive", ctx, alice.Email, raw).Return("", errors.New("s3 down"))
		h.inbox.On("InsertInboxEntry", ctx, mock.Anything).Return(int64(3), nil)
		h.inbox.On("SupersedePending", ctx, alice.AccountID, "plan-1", int64(3)).Return(int64(0), nil)

		out, err := h.proc.Process(ctx, alice, raw, "lmtp")
		require.NoError(t, err)
		assert.Equal(t, StatusStored, out.Status, "score below the local threshold and archive failure is not fatal")
	})
}

func TestProcessSpamdUnavailable(t *testing.T) {
	ctx := context.Background()
	raw := schedulingMail("REQUEST", "bob@example.com", "<req-2@example.com>", requestEvent)

	h := newHarness(Options{})
	h.dedup.On("Claim", ctx, alice.AccountID, mock.Anything, mock.Anything).Return(true, nil)
	h.dedup.On("Release", mock.Anything, alice.AccountID, "req-2@example.com", mock.Anything).Return(nil).Once()
	h.spam.On("Check", ctx, raw).Return(nil, spamc.ErrUnavailable)

	_, err := h.proc.Process(ctx, alice, raw, "lmtp")
	assert.ErrorIs(t, err, spamc.ErrUnavailable)
	h.dedup.AssertExpectations(t)

	open := newHarness(Options{SpamFailOpen: true})
	open.proc.dedup = nil
	open.spam.On("Check", ctx, raw).Return(nil, spamc.ErrUnavailable)
	open.archive.On("Archive", ctx, alice.Email, raw).Return("k", nil)
	open.inbox.On("InsertInboxEntry", ctx, mock.Anything).Return(int64(4), nil)
	open.inbox.On("SupersedePending", ctx, alice.AccountID, "plan-1", int64(4)).Return(int64(0), nil)

	out, err := open.proc.Process(ctx, alice, raw, "lmtp")
	require.NoError(t, err)
	assert.Equal(t, StatusStored, out.Status)
	assert.Nil(t, out.SpamScore)
}

func TestProcessNonSchedulingMail(t *testing.T) {
	h := newHarness(Options{})
	h.proc.spam = nil
	ctx := context.Background()
	raw := []byte("From: bob@example.com\r\nMessage-ID: <hi@example.com>\r\nSubject: hi\r\nContent-Type: text/plain\r\n\r\nhello\r\n")

	h.dedup.On("Claim", ctx, alice.AccountID, "hi@example.com", mock.Anything).Return(true, nil)

	out, err := h.proc.Process(ctx, alice, raw, "lmtp")
	require.NoError(t, err)
	assert.Equal(t, StatusNotScheduling, out.Status)
	h.dedup.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessReleasesClaimOnFailure(t *testing.T) {
	h := newHarness(Options{})
	h.proc.spam = nil
	h.proc.archive = nil
	ctx := context.Background()
	raw := schedulingMail("REQUEST", "bob@example.com", "<req-3@example.com>", requestEvent)

	h.dedup.On("Claim", ctx, alice.AccountID, "req-3@example.com", mock.Anything).Return(true, nil)
	h.dedup.On("Release", mock.Anything, alice.AccountID, "req-3@example.com", mock.Anything).Return(nil).Once()
	h.inbox.On("InsertInboxEntry", ctx, mock.Anything).Return(int64(0), fmt.Errorf("connection reset"))

	_, err := h.proc.Process(ctx, alice, raw, "lmtp")
	assert.Error(t, err)
	h.dedup.AssertExpectations(t)
}

func TestProcessMalformed(t *testing.T) {
	h := newHarness(Options{})
	h.proc.spam = nil
	h.proc.dedup = nil
	raw := schedulingMail("FROBNICATE", "bob@example.com", "<bad@example.com>", requestEvent)

	_, err := h.proc.Process(context.Background(), alice, raw, "http")
	assert.ErrorIs(t, err, consts.ErrUnknownMethod)
}

func TestProcessAutoAppliesReply(t *testing.T) {
	h := newHarness(Options{AutoApplyReplies: true})
	h.proc.dedup = nil
	h.proc.spam = nil
	h.proc.archive = nil
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, bob, storedPlanning()))

	raw := schedulingMail("REPLY", "alice@example.com", "<reply-1@example.com>", replyEvent)
	h.inbox.On("InsertInboxEntry", ctx, mock.Anything).Return(int64(20), nil)
	h.inbox.On("MarkApplied", ctx, bob.AccountID, int64(20), itip.ActionApplyResponse, "auto").Return(nil).Once()

	out, err := h.proc.Process(ctx, bob, raw, "lmtp")
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, out.Status)
	assert.Equal(t, itip.ActionApplyResponse, out.Applied)
	h.inbox.AssertExpectations(t)
	h.inbox.AssertNotCalled(t, "SupersedePending", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	s, err := h.store.Get(ctx, bob, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, calendar.PartStatAccepted, s.Master.FindAttendee("alice@example.com").PartStat)
}

func TestProcessLeavesReplyPendingWhenDisabled(t *testing.T) {
	h := newHarness(Options{})
	h.proc.dedup = nil
	h.proc.spam = nil
	h.proc.archive = nil
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, bob, storedPlanning()))

	raw := schedulingMail("REPLY", "alice@example.com", "<reply-2@example.com>", replyEvent)
	h.inbox.On("InsertInboxEntry", ctx, mock.Anything).Return(int64(21), nil)

	out, err := h.proc.Process(ctx, bob, raw, "lmtp")
	require.NoError(t, err)
	assert.Equal(t, StatusStored, out.Status)

	s, err := h.store.Get(ctx, bob, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, calendar.PartStatNeedsAction, s.Master.FindAttendee("alice@example.com").PartStat)
}

func TestAutoAction(t *testing.T) {
	all := Options{AutoApplyReplies: true, AutoApplyCancels: true, AutoApplyStateUpdates: true}

	tests := []struct {
		name     string
		opts     Options
		analysis *itip.Analysis
		want     itip.Action
	}{
		{
			name:     "reply",
			opts:     all,
			analysis: &itip.Analysis{Method: itip.MethodReply, Actions: []itip.Action{itip.ActionApplyResponse, itip.ActionIgnore}},
			want:     itip.ActionApplyResponse,
		},
		{
			name: "outdated reply",
			opts: all,
			analysis: &itip.Analysis{Method: itip.MethodReply, Actions: []itip.Action{itip.ActionApplyResponse},
				Annotations: []itip.Annotation{itip.NewAnnotation(itip.AnnReplyOutdated, "a", "b")}},
		},
		{
			name:     "cancel",
			opts:     all,
			analysis: &itip.Analysis{Method: itip.MethodCancel, Actions: []itip.Action{itip.ActionDelete, itip.ActionIgnore}},
			want:     itip.ActionDelete,
		},
		{
			name:     "cancel disabled",
			opts:     Options{AutoApplyReplies: true},
			analysis: &itip.Analysis{Method: itip.MethodCancel, Actions: []itip.Action{itip.ActionDelete}},
		},
		{
			name: "cancel from someone else",
			opts: all,
			analysis: &itip.Analysis{Method: itip.MethodCancel, Actions: []itip.Action{itip.ActionDelete},
				Annotations: []itip.Annotation{itip.NewAnnotation(itip.AnnCancelNotFromOrganizer, "x", "y")}},
		},
		{
			name: "state update",
			opts: all,
			analysis: &itip.Analysis{Method: itip.MethodRequest, Actions: []itip.Action{itip.ActionUpdate, itip.ActionIgnore},
				Annotations: []itip.Annotation{itip.NewAnnotation(itip.AnnStateChangesOnly, "Planning")}},
			want: itip.ActionUpdate,
		},
		{
			name:     "detail update needs the user",
			opts:     all,
			analysis: &itip.Analysis{Method: itip.MethodRequest, Actions: []itip.Action{itip.ActionAccept, itip.ActionUpdate}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := New(nil, nil, itip.NewPerformer(calendar.NewMemoryProvider("local"), nil), nil, nil, nil, tt.opts)
			got, ok := pr.autoAction(tt.analysis)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want != "", ok)
		})
	}
}

func TestHeaderMessageID(t *testing.T) {
	assert.Equal(t, "abc@example.com", headerMessageID([]byte("Message-ID: <abc@example.com>\r\n\r\nbody")))
	assert.Empty(t, headerMessageID([]byte("Subject: none\r\n\r\nbody")))
}
