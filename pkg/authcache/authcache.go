// Package authcache keeps recently resolved principals and verified
// credentials in memory, in front of the account database. LMTP resolves
// every recipient and the HTTP API checks basic auth on every request, so
// both go through this cache.
package authcache

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Backend is the authoritative account store.
type Backend interface {
	GetPrincipal(ctx context.Context, address string) (calendar.Principal, error)
	Authenticate(ctx context.Context, address, password string) (calendar.Principal, error)
}

type Options struct {
	PositiveTTL     time.Duration
	NegativeTTL     time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

type resolveEntry struct {
	principal calendar.Principal
	notFound  bool
	expiresAt time.Time
}

// credEntry remembers the outcome for one (address, password) pair. Only a
// SHA-256 of the password is kept.
type credEntry struct {
	principal calendar.Principal
	pwHash    [32]byte
	ok        bool
	expiresAt time.Time
}

// AuthCache provides in-memory caching for address resolution and authentication
type AuthCache struct {
	backend Backend
	opts    Options

	mu       sync.RWMutex
	resolved map[string]*resolveEntry
	creds    map[string]*credEntry
	sf       singleflight.Group

	stopCleanup    chan struct{}
	cleanupStopped chan struct{}
}

// New wraps backend and starts the expiry loop. Stop it with Stop.
func New(backend Backend, opts Options) *AuthCache {
	if opts.PositiveTTL <= 0 {
		opts.PositiveTTL = 5 * time.Minute
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = time.Minute
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10000
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}

	c := &AuthCache{
		backend:        backend,
		opts:           opts,
		resolved:       make(map[string]*resolveEntry),
		creds:          make(map[string]*credEntry),
		stopCleanup:    make(chan struct{}),
		cleanupStopped: make(chan struct{}),
	}
	go c.cleanupLoop()

	logger.Info("AuthCache: initialized", "positive_ttl", opts.PositiveTTL,
		"negative_ttl", opts.NegativeTTL, "max_size", opts.MaxSize)
	return c
}

func cacheKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// GetPrincipal resolves address through the cache. Unknown addresses are
// cached for the negative TTL; backend failures are never cached.
// Concurrent misses for the same address share one backend query.
func (c *AuthCache) GetPrincipal(ctx context.Context, address string) (calendar.Principal, error) {
	key := cacheKey(address)

	c.mu.RLock()
	e, ok := c.resolved[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		metrics.PrincipalCacheLookups.WithLabelValues("resolve", "hit").Inc()
		if e.notFound {
			return calendar.Principal{}, consts.ErrAccountNotFound
		}
		return e.principal, nil
	}
	metrics.PrincipalCacheLookups.WithLabelValues("resolve", "miss").Inc()

	v, err, shared := c.sf.Do(key, func() (interface{}, error) {
		p, err := c.backend.GetPrincipal(ctx, address)
		switch {
		case errors.Is(err, consts.ErrAccountNotFound):
			c.storeResolved(key, &resolveEntry{notFound: true, expiresAt: time.Now().Add(c.opts.NegativeTTL)})
		case err == nil:
			c.storeResolved(key, &resolveEntry{principal: p, expiresAt: time.Now().Add(c.opts.PositiveTTL)})
		}
		return p, err
	})
	if shared {
		metrics.PrincipalCacheLookups.WithLabelValues("resolve", "shared").Inc()
	}
	if err != nil {
		return calendar.Principal{}, err
	}
	return v.(calendar.Principal), nil
}

// Authenticate verifies credentials, consulting the backend (and its bcrypt
// check) only when this exact pair has not been seen recently.
func (c *AuthCache) Authenticate(ctx context.Context, address, password string) (calendar.Principal, error) {
	if password == "" {
		return calendar.Principal{}, db.ErrInvalidCredentials
	}
	key := cacheKey(address)
	sum := sha256.Sum256([]byte(password))

	c.mu.RLock()
	e, ok := c.creds[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) && subtle.ConstantTimeCompare(e.pwHash[:], sum[:]) == 1 {
		metrics.PrincipalCacheLookups.WithLabelValues("auth", "hit").Inc()
		if !e.ok {
			return calendar.Principal{}, db.ErrInvalidCredentials
		}
		return e.principal, nil
	}
	metrics.PrincipalCacheLookups.WithLabelValues("auth", "miss").Inc()

	p, err := c.backend.Authenticate(ctx, address, password)
	switch {
	case err == nil:
		c.storeCred(key, &credEntry{principal: p, pwHash: sum, ok: true, expiresAt: time.Now().Add(c.opts.PositiveTTL)})
	case errors.Is(err, db.ErrInvalidCredentials), errors.Is(err, consts.ErrAccountNotFound):
		c.storeCred(key, &credEntry{pwHash: sum, expiresAt: time.Now().Add(c.opts.NegativeTTL)})
	}
	return p, err
}

// Invalidate drops everything cached for address, e.g. after a password or alias change.
func (c *AuthCache) Invalidate(address string) {
	key := cacheKey(address)
	c.mu.Lock()
	delete(c.resolved, key)
	delete(c.creds, key)
	c.updateSizeMetric()
	c.mu.Unlock()
}

func (c *AuthCache) storeResolved(key string, e *resolveEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.resolved) >= c.opts.MaxSize {
		evictOldest(c.resolved, func(e *resolveEntry) time.Time { return e.expiresAt })
	}
	c.resolved[key] = e
	c.updateSizeMetric()
}

func (c *AuthCache) storeCred(key string, e *credEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.creds) >= c.opts.MaxSize {
		evictOldest(c.creds, func(e *credEntry) time.Time { return e.expiresAt })
	}
	c.creds[key] = e
	c.updateSizeMetric()
}

// evictOldest removes the entry closest to expiry. Caller must hold the write lock.
func evictOldest[E any](m map[string]E, expiry func(E) time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range m {
		if t := expiry(e); oldestKey == "" || t.Before(oldest) {
			oldestKey, oldest = k, t
		}
	}
	if oldestKey != "" {
		delete(m, oldestKey)
	}
}

// Caller must hold the write lock.
func (c *AuthCache) updateSizeMetric() {
	metrics.PrincipalCacheEntries.Set(float64(len(c.resolved) + len(c.creds)))
}

func (c *AuthCache) cleanupLoop() {
	defer close(c.cleanupStopped)

	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *AuthCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range c.resolved {
		if now.After(e.expiresAt) {
			delete(c.resolved, k)
			removed++
		}
	}
	for k, e := range c.creds {
		if now.After(e.expiresAt) {
			delete(c.creds, k)
			removed++
		}
	}
	if removed > 0 {
		logger.Debug("AuthCache: cleanup removed expired entries", "removed", removed)
		c.updateSizeMetric()
	}
}

// Size returns the number of cached resolutions and credentials.
func (c *AuthCache) Size() (resolved, creds int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.resolved), len(c.creds)
}

// Stop stops the cleanup goroutine
func (c *AuthCache) Stop(ctx context.Context) error {
	close(c.stopCleanup)
	select {
	case <-c.cleanupStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
