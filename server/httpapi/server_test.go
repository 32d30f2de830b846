package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/itip"
	"github.com/migadu/soracal/mailcal"
	"github.com/migadu/soracal/pkg/health"
	"github.com/migadu/soracal/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var alice = calendar.Principal{AccountID: 1, Email: "alice@example.com"}

type fakeAccounts struct{}

func (fakeAccounts) GetPrincipal(_ context.Context, address string) (calendar.Principal, error) {
	if address == alice.Email {
		return alice, nil
	}
	return calendar.Principal{}, consts.ErrAccountNotFound
}

func (fakeAccounts) Authenticate(_ context.Context, address, password string) (calendar.Principal, error) {
	if address == alice.Email && password == "secret" {
		return alice, nil
	}
	return calendar.Principal{}, db.ErrInvalidCredentials
}

type fakeInbox struct {
	entries map[int64]*db.InboxEntry
	applied map[int64]string
}

func (f *fakeInbox) GetInboxEntry(_ context.Context, accountID, id int64) (*db.InboxEntry, error) {
	e, ok := f.entries[id]
	if !ok || e.AccountID != accountID {
		return nil, consts.ErrInboxNotFound
	}
	return e, nil
}

func (f *fakeInbox) ListInbox(_ context.Context, accountID int64, pendingOnly bool, _ int) ([]*db.InboxEntry, error) {
	var out []*db.InboxEntry
	for _, e := range f.entries {
		if e.AccountID == accountID && (!pendingOnly || e.Pending()) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeInbox) MarkApplied(_ context.Context, _ int64, id int64, action itip.Action, mode string) error {
	f.applied[id] = string(action) + "/" + mode
	f.entries[id].AppliedAction = string(action)
	return nil
}

type mockPipeline struct {
	mock.Mock
}

func (m *mockPipeline) Analyze(ctx context.Context, p calendar.Principal, raw []byte) (*itip.Analysis, *mailcal.Envelope, error) {
	args := m.Called(p.AccountID, string(raw))
	a, _ := args.Get(0).(*itip.Analysis)
	env, _ := args.Get(1).(*mailcal.Envelope)
	return a, env, args.Error(2)
}

func (m *mockPipeline) Process(ctx context.Context, p calendar.Principal, raw []byte, source string) (*processor.Outcome, error) {
	args := m.Called(p.AccountID, string(raw), source)
	out, _ := args.Get(0).(*processor.Outcome)
	return out, args.Error(1)
}

type mockPerformer struct {
	mock.Mock
}

func (m *mockPerformer) Perform(ctx context.Context, p calendar.Principal, a *itip.Analysis, action itip.Action, opts itip.PerformOptions) (*itip.Result, error) {
	args := m.Called(a.UID, action, opts.Comment)
	res, _ := args.Get(0).(*itip.Result)
	return res, args.Error(1)
}

type harness struct {
	handler   http.Handler
	inbox     *fakeInbox
	pipeline  *mockPipeline
	performer *mockPerformer
	store     *calendar.MemoryProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		inbox: &fakeInbox{
			entries: map[int64]*db.InboxEntry{
				10: {ID: 10, AccountID: 1, UID: "plan-1", Method: "REQUEST",
					Analysis: &itip.Analysis{UID: "plan-1", Method: itip.MethodRequest, Actions: []itip.Action{itip.ActionAccept, itip.ActionDecline}}},
				11: {ID: 11, AccountID: 1, UID: "plan-2", Method: "REPLY", AppliedAction: "APPLY_RESPONSE",
					Analysis: &itip.Analysis{UID: "plan-2", Method: itip.MethodReply}},
				20: {ID: 20, AccountID: 2, UID: "other", Method: "REQUEST", Analysis: &itip.Analysis{UID: "other"}},
			},
			applied: map[int64]string{},
		},
		pipeline:  &mockPipeline{},
		performer: &mockPerformer{},
		store:     calendar.NewMemoryProvider("local"),
	}

	hm := health.NewHealthMonitor()
	hm.RegisterCheck(&health.HealthCheck{Name: "database", Critical: true, Check: func(context.Context) error { return nil }})

	srv, err := New(ServerOptions{
		APIKey:    "admin-key",
		ProdID:    "-//test//EN",
		Accounts:  fakeAccounts{},
		Inbox:     h.inbox,
		Pipeline:  h.pipeline,
		Performer: h.performer,
		Calendar:  h.store,
		Health:    hm,
	})
	require.NoError(t, err)
	h.handler = srv.Handler()
	return h
}

func (h *harness) do(method, path, body string, auth func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != nil {
		auth(req)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func asAlice(r *http.Request) { r.SetBasicAuth("alice@example.com", "secret") }

func withKey(r *http.Request) { r.Header.Set("Authorization", "Bearer admin-key") }

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusUnauthorized, h.do("GET", "/api/v1/inbox", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do("GET", "/api/v1/inbox", "", func(r *http.Request) {
		r.SetBasicAuth("alice@example.com", "wrong")
	}).Code)
	assert.Equal(t, http.StatusForbidden, h.do("GET", "/api/v1/inbox?account=alice@example.com", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer nope")
	}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do("GET", "/api/v1/inbox", "", withKey).Code)
	assert.Equal(t, http.StatusNotFound, h.do("GET", "/api/v1/inbox?account=ghost@example.com", "", withKey).Code)

	assert.Equal(t, http.StatusOK, h.do("GET", "/api/v1/inbox", "", asAlice).Code)
	assert.Equal(t, http.StatusOK, h.do("GET", "/api/v1/inbox?account=alice@example.com", "", withKey).Code)
}

func TestListAndGetInbox(t *testing.T) {
	h := newHarness(t)

	rec := h.do("GET", "/api/v1/inbox?pending=true", "", asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Entries []db.InboxEntry `json:"entries"`
		Count   int             `json:"count"`
	}
	decode(t, rec, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, int64(10), list.Entries[0].ID)

	rec = h.do("GET", "/api/v1/inbox/10", "", asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	var e db.InboxEntry
	decode(t, rec, &e)
	assert.Equal(t, "plan-1", e.UID)

	assert.Equal(t, http.StatusNotFound, h.do("GET", "/api/v1/inbox/20", "", asAlice).Code, "entries of other accounts are invisible")
	assert.Equal(t, http.StatusBadRequest, h.do("GET", "/api/v1/inbox?limit=-1", "", asAlice).Code)
}

func TestPerform(t *testing.T) {
	h := newHarness(t)
	h.performer.On("Perform", "plan-1", itip.ActionAccept, "see you").
		Return(&itip.Result{Action: itip.ActionAccept}, nil).Once()

	rec := h.do("POST", "/api/v1/inbox/10/actions", `{"action":"accept","comment":"see you"}`, asAlice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ACCEPT/manual", h.inbox.applied[10])
	h.performer.AssertExpectations(t)

	// Already handled.
	rec = h.do("POST", "/api/v1/inbox/10/actions", `{"action":"DECLINE"}`, asAlice)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPerformValidation(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusBadRequest, h.do("POST", "/api/v1/inbox/10/actions", `{`, asAlice).Code)
	assert.Equal(t, http.StatusBadRequest, h.do("POST", "/api/v1/inbox/10/actions", `{"action":"FROBNICATE"}`, asAlice).Code)
	assert.Equal(t, http.StatusBadRequest, h.do("POST", "/api/v1/inbox/10/actions", `{"action":"DELEGATE"}`, asAlice).Code)
	assert.Equal(t, http.StatusBadRequest, h.do("POST", "/api/v1/inbox/10/actions", `{"action":"COUNTER"}`, asAlice).Code)

	h.performer.On("Perform", "plan-1", itip.ActionTentative, "").
		Return(nil, fmt.Errorf("%w: TENTATIVE not offered", consts.ErrActionNotAllowed)).Once()
	assert.Equal(t, http.StatusConflict, h.do("POST", "/api/v1/inbox/10/actions", `{"action":"TENTATIVE"}`, asAlice).Code)
	assert.Empty(t, h.inbox.applied)
}

func TestAnalyzeAndIngest(t *testing.T) {
	h := newHarness(t)
	const raw = "Subject: x\r\n\r\nbody"

	h.pipeline.On("Analyze", int64(1), raw).Return(
		&itip.Analysis{UID: "plan-9", Method: itip.MethodRequest, Actions: []itip.Action{itip.ActionAccept}},
		&mailcal.Envelope{Subject: "Invitation", From: "bob@example.com", MessageID: "m1@example.com"},
		nil).Once()
	rec := h.do("POST", "/api/v1/analyze", raw, asAlice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ar AnalyzeResponse
	decode(t, rec, &ar)
	assert.Equal(t, "Invitation", ar.Subject)
	assert.Equal(t, "plan-9", ar.Analysis.UID)

	h.pipeline.On("Analyze", int64(1), "junk").Return(nil, nil, consts.ErrNoCalendarPart).Once()
	assert.Equal(t, http.StatusUnprocessableEntity, h.do("POST", "/api/v1/analyze", "junk", asAlice).Code)

	h.pipeline.On("Process", int64(1), raw, "http").Return(&processor.Outcome{Status: processor.StatusStored, EntryID: 42}, nil).Once()
	rec = h.do("POST", "/api/v1/messages", raw, asAlice)
	require.Equal(t, http.StatusCreated, rec.Code)
	var out processor.Outcome
	decode(t, rec, &out)
	assert.Equal(t, int64(42), out.EntryID)

	h.pipeline.On("Process", int64(1), "dup", "http").Return(&processor.Outcome{Status: processor.StatusDuplicate}, nil).Once()
	assert.Equal(t, http.StatusOK, h.do("POST", "/api/v1/messages", "dup", asAlice).Code)
}

func TestEvents(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2027, 5, 3, 10, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.Save(context.Background(), alice, &calendar.Event{
		UID: "e1", DTStamp: start, Summary: "Review", Start: start, End: start.Add(time.Hour),
	}))

	rec := h.do("GET", "/api/v1/events?from=2027-05-03T00:00:00Z&to=2027-05-04T00:00:00Z", "", asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []calendar.Event `json:"events"`
		Count  int              `json:"count"`
	}
	decode(t, rec, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "Review", body.Events[0].Summary)

	rec = h.do("GET", "/api/v1/events?from=2027-05-03T00:00:00Z&to=2027-05-04T00:00:00Z&format=ics", "", asAlice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/calendar")
	assert.Contains(t, rec.Body.String(), "UID:e1")

	assert.Equal(t, http.StatusBadRequest, h.do("GET", "/api/v1/events?from=yesterday", "", asAlice).Code)
	assert.Equal(t, http.StatusBadRequest, h.do("GET", "/api/v1/events?from=2027-05-04T00:00:00Z&to=2027-05-03T00:00:00Z", "", asAlice).Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do("GET", "/health?refresh=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep health.Report
	decode(t, rec, &rep)
	assert.Equal(t, health.StatusHealthy, rep.Status)
	require.Len(t, rep.Components, 1)
	assert.Equal(t, "database", rep.Components[0].Name)
}
