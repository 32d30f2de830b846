package caldavprovider

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/config"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/ics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDAV keeps calendar objects in memory and answers calendar-query
// REPORTs with all of them; the provider filters by UID and time itself.
type fakeDAV struct {
	mu      sync.Mutex
	objects map[string][]byte
	reports []string
}

func newFakeDAV() *fakeDAV {
	return &fakeDAV{objects: make(map[string][]byte)}
}

func (f *fakeDAV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case "REPORT":
		body, _ := io.ReadAll(r.Body)
		f.reports = append(f.reports, string(body))
		paths := make([]string, 0, len(f.objects))
		for p := range f.objects {
			if strings.HasPrefix(p, r.URL.Path) {
				paths = append(paths, p)
			}
		}
		sort.Strings(paths)

		var buf bytes.Buffer
		buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>` +
			`<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">`)
		for _, p := range paths {
			buf.WriteString(`<d:response><d:href>` + p + `</d:href><d:propstat><d:prop>` +
				`<d:getetag>"1"</d:getetag><c:calendar-data>`)
			xml.EscapeText(&buf, f.objects[p])
			buf.WriteString(`</c:calendar-data></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
		}
		buf.WriteString(`</d:multistatus>`)
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		w.Write(buf.Bytes())
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		w.Header().Set("ETag", `"2"`)
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if _, ok := f.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeDAV) put(t *testing.T, path string, events ...*calendar.Event) {
	t.Helper()
	data, err := ics.Encode("", events, "-//test//EN")
	require.NoError(t, err)
	f.mu.Lock()
	f.objects[path] = data
	f.mu.Unlock()
}

func (f *fakeDAV) has(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[path]
	return ok
}

var alice = calendar.Principal{AccountID: 1, Email: "alice@example.com"}

func newTestProvider(t *testing.T, readOnly bool) (*Provider, *fakeDAV) {
	t.Helper()
	dav := newFakeDAV()
	srv := httptest.NewServer(dav)
	t.Cleanup(srv.Close)

	prov, err := New(config.CalDAVProviderConfig{
		ID:           "work",
		Endpoint:     srv.URL,
		Username:     "svc",
		Password:     "secret",
		CalendarPath: "/calendars/%s/default",
		ReadOnly:     readOnly,
	}, "-//test//EN")
	require.NoError(t, err)
	return prov, dav
}

func event(uid string, start time.Time) *calendar.Event {
	return &calendar.Event{
		UID:       uid,
		DTStamp:   start.Add(-24 * time.Hour),
		Summary:   "Sync " + uid,
		Start:     start,
		End:       start.Add(time.Hour),
		Organizer: &calendar.Attendee{Email: "bob@example.com"},
		Attendees: []*calendar.Attendee{{Email: "alice@example.com", PartStat: calendar.PartStatAccepted}},
	}
}

func TestCalendarPath(t *testing.T) {
	p := &Provider{pathTmpl: "/dav/%s/cal"}
	assert.Equal(t, "/dav/alice@example.com/cal/", p.calendarPath(alice))
	assert.Equal(t, "/dav/alice@example.com/cal/a%2Fb.ics", p.objectPath(alice, "a/b"))

	shared := &Provider{pathTmpl: "/shared/team/"}
	assert.Equal(t, "/shared/team/", shared.calendarPath(alice))
}

func TestGetAndRange(t *testing.T) {
	prov, dav := newTestProvider(t, false)
	ctx := context.Background()
	base := time.Date(2027, 1, 11, 9, 0, 0, 0, time.UTC)

	dav.put(t, "/calendars/alice@example.com/default/one.ics", event("one", base))
	dav.put(t, "/calendars/alice@example.com/default/one-more.ics", event("one-more", base.AddDate(0, 0, 3)))

	s, err := prov.Get(ctx, alice, "one")
	require.NoError(t, err)
	require.NotNil(t, s.Master)
	assert.Equal(t, "Sync one", s.Master.Summary)
	assert.Equal(t, "work", s.Master.Provider)
	assert.Equal(t, "/calendars/alice@example.com/default/one.ics", s.Master.FolderID)
	require.NotEmpty(t, dav.reports)
	assert.Contains(t, dav.reports[len(dav.reports)-1], "one")

	_, err = prov.Get(ctx, alice, "missing")
	assert.ErrorIs(t, err, consts.ErrEventNotFound)

	evs, err := prov.Range(ctx, alice, base.Add(-time.Hour), base.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "one", evs[0].UID)
}

func TestSaveAndDelete(t *testing.T) {
	prov, dav := newTestProvider(t, false)
	ctx := context.Background()
	start := time.Date(2027, 2, 1, 9, 0, 0, 0, time.UTC)
	path := "/calendars/alice@example.com/default/weekly.ics"

	master := event("weekly", start)
	master.RRule = "FREQ=WEEKLY;COUNT=5"
	require.NoError(t, prov.Save(ctx, alice, master))
	assert.Equal(t, path, master.FolderID)
	assert.Equal(t, "work", master.Provider)
	assert.True(t, dav.has(path))

	ex := calendar.OccurrenceOf(master, start.AddDate(0, 0, 7))
	ex.Summary = "Moved"
	require.NoError(t, prov.Save(ctx, alice, ex))

	s, err := prov.Get(ctx, alice, "weekly")
	require.NoError(t, err)
	require.NotNil(t, s.Master)
	require.Len(t, s.Exceptions, 1)
	assert.Equal(t, "Moved", s.Exceptions[0].Summary)

	// Updating the master keeps the exception in the same resource.
	master.Summary = "Weekly sync"
	require.NoError(t, prov.Save(ctx, alice, master))
	s, err = prov.Get(ctx, alice, "weekly")
	require.NoError(t, err)
	assert.Equal(t, "Weekly sync", s.Master.Summary)
	assert.Len(t, s.Exceptions, 1)

	require.NoError(t, prov.Delete(ctx, alice, "weekly", ex.RecurrenceID))
	assert.ErrorIs(t, prov.Delete(ctx, alice, "weekly", ex.RecurrenceID), consts.ErrEventNotFound)
	s, err = prov.Get(ctx, alice, "weekly")
	require.NoError(t, err)
	assert.Empty(t, s.Exceptions)

	require.NoError(t, prov.Delete(ctx, alice, "weekly", time.Time{}))
	assert.False(t, dav.has(path))
	assert.ErrorIs(t, prov.Delete(ctx, alice, "weekly", time.Time{}), consts.ErrEventNotFound)
}

func TestReadOnly(t *testing.T) {
	prov, dav := newTestProvider(t, true)
	ctx := context.Background()
	start := time.Date(2027, 2, 1, 9, 0, 0, 0, time.UTC)
	dav.put(t, "/calendars/alice@example.com/default/ro.ics", event("ro", start))

	assert.ErrorIs(t, prov.Save(ctx, alice, event("new", start)), consts.ErrNotPermitted)
	assert.ErrorIs(t, prov.Delete(ctx, alice, "ro", time.Time{}), consts.ErrNotPermitted)

	_, err := prov.Get(ctx, alice, "ro")
	assert.NoError(t, err)
}

func TestCompositeFallsBackWhenCalDAVFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	prov, err := New(config.CalDAVProviderConfig{ID: "broken", Endpoint: srv.URL}, "-//test//EN")
	require.NoError(t, err)

	local := calendar.NewMemoryProvider("local")
	start := time.Date(2027, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, local.Save(context.Background(), alice, event("here", start)))

	comp := calendar.NewComposite(local, prov)
	evs, err := comp.Range(context.Background(), alice, start.Add(-time.Hour), start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "local", evs[0].Provider)
}
