package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// Composite presents several providers as one. Reads fan out concurrently;
// a failing secondary provider is logged and skipped, while a failure of the
// default provider fails the call. Writes go to the provider owning the event,
// or to the default provider for new events.
type Composite struct {
	providers []Provider
	byID      map[string]Provider
	def       Provider
}

// NewComposite builds a composite whose first provider is the default one.
func NewComposite(def Provider, others ...Provider) *Composite {
	c := &Composite{
		providers: append([]Provider{def}, others...),
		byID:      make(map[string]Provider, len(others)+1),
		def:       def,
	}
	for _, p := range c.providers {
		c.byID[p.ID()] = p
	}
	return c
}

func (c *Composite) ID() string { return "composite" }

// Providers returns the composited providers, default first.
func (c *Composite) Providers() []Provider { return c.providers }

func observe(providerID, op string, start time.Time) {
	metrics.ProviderQueryDuration.WithLabelValues(providerID, op).Observe(time.Since(start).Seconds())
}

// Get returns the series from the first provider, in configuration order, that knows uid.
func (c *Composite) Get(ctx context.Context, p Principal, uid string) (*Series, error) {
	results := make([]*Series, len(c.providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, prov := range c.providers {
		g.Go(func() error {
			start := time.Now()
			defer observe(prov.ID(), "get", start)

			s, err := prov.Get(gctx, p, uid)
			switch {
			case err == nil:
				results[i] = s
			case errors.Is(err, consts.ErrEventNotFound):
			case prov == c.def:
				return fmt.Errorf("provider %s: %w", prov.ID(), err)
			default:
				metrics.ProviderErrors.WithLabelValues(prov.ID(), "get").Inc()
				logger.Warn("Calendar: provider lookup failed, skipping", "provider", prov.ID(), "uid", uid, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, s := range results {
		if s != nil {
			return s, nil
		}
	}
	return nil, consts.ErrEventNotFound
}

// Range merges all providers' components, ordered by start.
func (c *Composite) Range(ctx context.Context, p Principal, from, to time.Time) ([]*Event, error) {
	results := make([][]*Event, len(c.providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, prov := range c.providers {
		g.Go(func() error {
			start := time.Now()
			defer observe(prov.ID(), "range", start)

			evs, err := prov.Range(gctx, p, from, to)
			if err != nil {
				if prov == c.def {
					return fmt.Errorf("provider %s: %w", prov.ID(), err)
				}
				metrics.ProviderErrors.WithLabelValues(prov.ID(), "range").Inc()
				logger.Warn("Calendar: provider range query failed, skipping", "provider", prov.ID(), "error", err)
				return nil
			}
			results[i] = evs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []*Event
	for _, evs := range results {
		merged = append(merged, evs...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Start.Before(merged[j].Start) })
	return merged, nil
}

func (c *Composite) owner(ev *Event) Provider {
	if ev.Provider != "" {
		if prov, ok := c.byID[ev.Provider]; ok {
			return prov
		}
	}
	return c.def
}

func (c *Composite) Save(ctx context.Context, p Principal, ev *Event) error {
	prov := c.owner(ev)
	start := time.Now()
	defer observe(prov.ID(), "save", start)

	if err := prov.Save(ctx, p, ev); err != nil {
		metrics.ProviderErrors.WithLabelValues(prov.ID(), "save").Inc()
		return fmt.Errorf("provider %s: %w", prov.ID(), err)
	}
	return nil
}

// Delete removes uid from whichever provider holds it.
func (c *Composite) Delete(ctx context.Context, p Principal, uid string, recurrenceID time.Time) error {
	s, err := c.Get(ctx, p, uid)
	if err != nil {
		return err
	}
	prov := c.owner(s.Base())
	start := time.Now()
	defer observe(prov.ID(), "delete", start)

	if err := prov.Delete(ctx, p, uid, recurrenceID); err != nil {
		if !errors.Is(err, consts.ErrEventNotFound) {
			metrics.ProviderErrors.WithLabelValues(prov.ID(), "delete").Inc()
		}
		return fmt.Errorf("provider %s: %w", prov.ID(), err)
	}
	return nil
}
