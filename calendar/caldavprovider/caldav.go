// Package caldavprovider exposes a remote CalDAV calendar as a
// calendar.Provider so it can be composited with the local store.
//
// Every series (master and exceptions of one UID) lives in a single calendar
// object resource. The resource path is kept in Event.FolderID so updates are
// written back to the resource the event was read from.
package caldavprovider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/config"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/ics"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/circuitbreaker"
	"github.com/migadu/soracal/pkg/retry"
)

type Provider struct {
	id       string
	client   *caldav.Client
	pathTmpl string
	readOnly bool
	prodID   string

	breaker *circuitbreaker.CircuitBreaker
	backoff retry.BackoffConfig
}

// New connects to the CalDAV server described by cfg. No request is made
// until the provider is used.
func New(cfg config.CalDAVProviderConfig, prodID string) (*Provider, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("caldav %s: invalid timeout: %w", cfg.ID, err)
	}
	var hc webdav.HTTPClient = &http.Client{Timeout: timeout}
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(hc, cfg.Username, cfg.Password)
	}
	client, err := caldav.NewClient(hc, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav %s: %w", cfg.ID, err)
	}

	tmpl := cfg.CalendarPath
	if tmpl == "" {
		tmpl = "/calendars/%s/default/"
	}
	logger.Info("CalDAV: provider configured", "id", cfg.ID, "endpoint", cfg.Endpoint, "read_only", cfg.ReadOnly)
	return &Provider{
		id:       cfg.ID,
		client:   client,
		pathTmpl: tmpl,
		readOnly: cfg.ReadOnly,
		prodID:   prodID,
		breaker:  circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultSettings("caldav_"+cfg.ID, 5, 30*time.Second, 1)),
		backoff: retry.BackoffConfig{
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
			Jitter:          true,
			MaxRetries:      2,
		},
	}, nil
}

func (c *Provider) ID() string { return c.id }

// Breaker is exposed for health reporting.
func (c *Provider) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// calendarPath returns the principal's calendar collection, always with a
// trailing slash.
func (c *Provider) calendarPath(p calendar.Principal) string {
	path := c.pathTmpl
	if strings.Contains(path, "%s") {
		path = fmt.Sprintf(path, url.PathEscape(p.Email))
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}

func (c *Provider) objectPath(p calendar.Principal, uid string) string {
	return c.calendarPath(p) + url.PathEscape(uid) + ".ics"
}

// query runs a calendar-query REPORT with retries for network failures.
func (c *Provider) query(ctx context.Context, p calendar.Principal, filter caldav.CompFilter) ([]caldav.CalendarObject, error) {
	q := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{Name: "VCALENDAR", AllProps: true, AllComps: true},
		CompFilter:  caldav.CompFilter{Name: "VCALENDAR", Comps: []caldav.CompFilter{filter}},
	}
	var objs []caldav.CalendarObject
	err := retry.WithRetryAdvanced(ctx, func() error {
		var err error
		objs, err = circuitbreaker.Run(ctx, c.breaker, func(ctx context.Context) ([]caldav.CalendarObject, error) {
			return c.client.QueryCalendar(ctx, c.calendarPath(p), q)
		})
		if err != nil && !retryable(err) {
			return retry.Stop(err)
		}
		return err
	}, c.backoff)
	return objs, err
}

// retryable reports transport failures; HTTP status errors and an open
// breaker are final.
func retryable(err error) bool {
	if circuitbreaker.IsOpen(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// decode turns calendar objects into events stamped with their resource path.
func (c *Provider) decode(objs []caldav.CalendarObject) []*calendar.Event {
	var out []*calendar.Event
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		o, err := ics.FromCalendar(obj.Data)
		if err != nil {
			logger.Warn("CalDAV: skipping undecodable object", "provider", c.id, "path", obj.Path, "error", err)
			continue
		}
		for _, ev := range o.Events {
			ev.Provider = c.id
			ev.FolderID = obj.Path
			out = append(out, ev)
		}
	}
	return out
}

// load returns every component stored for uid and the path of its resource.
func (c *Provider) load(ctx context.Context, p calendar.Principal, uid string) ([]*calendar.Event, string, error) {
	objs, err := c.query(ctx, p, caldav.CompFilter{
		Name:  "VEVENT",
		Props: []caldav.PropFilter{{Name: "UID", TextMatch: &caldav.TextMatch{Text: uid}}},
	})
	if err != nil {
		return nil, "", err
	}
	var (
		events []*calendar.Event
		path   string
	)
	// TextMatch is a substring match; keep exact UIDs only.
	for _, ev := range c.decode(objs) {
		if ev.UID != uid {
			continue
		}
		events = append(events, ev)
		path = ev.FolderID
	}
	return events, path, nil
}

func (c *Provider) Get(ctx context.Context, p calendar.Principal, uid string) (*calendar.Series, error) {
	events, _, err := c.load(ctx, p, uid)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, consts.ErrEventNotFound
	}
	return calendar.GroupSeries(events)[0], nil
}

func (c *Provider) Range(ctx context.Context, p calendar.Principal, from, to time.Time) ([]*calendar.Event, error) {
	objs, err := c.query(ctx, p, caldav.CompFilter{Name: "VEVENT", Start: from, End: to})
	if err != nil {
		return nil, err
	}
	var out []*calendar.Event
	for _, ev := range c.decode(objs) {
		if calendar.Overlaps(ev, from, to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Save replaces the component of ev in its series resource, creating the
// resource for new UIDs.
func (c *Provider) Save(ctx context.Context, p calendar.Principal, ev *calendar.Event) error {
	if c.readOnly {
		return fmt.Errorf("%w: caldav provider %s is read-only", consts.ErrNotPermitted, c.id)
	}
	events, path, err := c.load(ctx, p, ev.UID)
	if err != nil {
		return err
	}
	if path == "" {
		path = c.objectPath(p, ev.UID)
	}

	replaced := false
	for i, cur := range events {
		if cur.RecurrenceID.Equal(ev.RecurrenceID) {
			events[i] = ev
			replaced = true
			break
		}
	}
	if !replaced {
		events = append(events, ev)
	}
	if err := c.put(ctx, path, events); err != nil {
		return err
	}
	ev.Provider = c.id
	ev.FolderID = path
	return nil
}

// Delete removes the series, or a single exception when recurrenceID is set.
func (c *Provider) Delete(ctx context.Context, p calendar.Principal, uid string, recurrenceID time.Time) error {
	if c.readOnly {
		return fmt.Errorf("%w: caldav provider %s is read-only", consts.ErrNotPermitted, c.id)
	}
	events, path, err := c.load(ctx, p, uid)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return consts.ErrEventNotFound
	}
	if recurrenceID.IsZero() {
		return c.remove(ctx, path)
	}

	kept := events[:0]
	for _, ev := range events {
		if !ev.RecurrenceID.Equal(recurrenceID) {
			kept = append(kept, ev)
		}
	}
	if len(kept) == len(events) {
		return consts.ErrEventNotFound
	}
	if len(kept) == 0 {
		return c.remove(ctx, path)
	}
	return c.put(ctx, path, kept)
}

func (c *Provider) put(ctx context.Context, path string, events []*calendar.Event) error {
	cal := ics.ToCalendar("", calendar.GroupSeries(events)[0].All(), c.prodID)
	_, err := circuitbreaker.Run(ctx, c.breaker, func(ctx context.Context) (*caldav.CalendarObject, error) {
		return c.client.PutCalendarObject(ctx, path, cal)
	})
	if err != nil {
		return fmt.Errorf("caldav put %s: %w", path, err)
	}
	return nil
}

func (c *Provider) remove(ctx context.Context, path string) error {
	err := circuitbreaker.Do(ctx, c.breaker, func(ctx context.Context) error {
		return c.client.RemoveAll(ctx, path)
	})
	if err != nil {
		return fmt.Errorf("caldav delete %s: %w", path, err)
	}
	return nil
}

var _ calendar.Provider = (*Provider)(nil)
