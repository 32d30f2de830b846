package authcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBackend struct {
	resolves atomic.Int32
	auths    atomic.Int32
	delay    time.Duration
	fail     error
}

var alice = calendar.Principal{AccountID: 7, Email: "alice@example.com", Aliases: []string{"a@example.com"}}

func (b *countingBackend) GetPrincipal(_ context.Context, address string) (calendar.Principal, error) {
	b.resolves.Add(1)
	time.Sleep(b.delay)
	if b.fail != nil {
		return calendar.Principal{}, b.fail
	}
	if alice.Is(strings.ToLower(address)) {
		return alice, nil
	}
	return calendar.Principal{}, consts.ErrAccountNotFound
}

func (b *countingBackend) Authenticate(_ context.Context, address, password string) (calendar.Principal, error) {
	b.auths.Add(1)
	if !alice.Is(strings.ToLower(address)) {
		return calendar.Principal{}, consts.ErrAccountNotFound
	}
	if password != "secret" {
		return calendar.Principal{}, db.ErrInvalidCredentials
	}
	return alice, nil
}

func newCache(t *testing.T, b Backend) *AuthCache {
	t.Helper()
	c := New(b, Options{PositiveTTL: time.Minute, NegativeTTL: time.Minute, CleanupInterval: time.Hour})
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c
}

func TestGetPrincipalCaches(t *testing.T) {
	b := &countingBackend{}
	c := newCache(t, b)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := c.GetPrincipal(ctx, "Alice@Example.com")
		require.NoError(t, err)
		assert.Equal(t, int64(7), p.AccountID)
	}
	assert.Equal(t, int32(1), b.resolves.Load())

	for i := 0; i < 2; i++ {
		_, err := c.GetPrincipal(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, consts.ErrAccountNotFound)
	}
	assert.Equal(t, int32(2), b.resolves.Load(), "unknown addresses are cached too")
}

func TestBackendErrorsAreNotCached(t *testing.T) {
	b := &countingBackend{fail: errors.New("connection refused")}
	c := newCache(t, b)

	_, err := c.GetPrincipal(context.Background(), "alice@example.com")
	require.Error(t, err)
	b.fail = nil
	p, err := c.GetPrincipal(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, alice.Email, p.Email)
	assert.Equal(t, int32(2), b.resolves.Load())
}

func TestConcurrentMissesShareOneQuery(t *testing.T) {
	b := &countingBackend{delay: 50 * time.Millisecond}
	c := newCache(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetPrincipal(context.Background(), "alice@example.com")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), b.resolves.Load())
}

func TestAuthenticate(t *testing.T) {
	b := &countingBackend{}
	c := newCache(t, b)
	ctx := context.Background()

	p, err := c.Authenticate(ctx, "alice@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.AccountID)
	_, err = c.Authenticate(ctx, "alice@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, int32(1), b.auths.Load())

	// A different password replaces the cached pair and is checked by the backend.
	_, err = c.Authenticate(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, db.ErrInvalidCredentials)
	_, err = c.Authenticate(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, db.ErrInvalidCredentials)
	assert.Equal(t, int32(2), b.auths.Load(), "repeated failure is served from cache")

	_, err = c.Authenticate(ctx, "alice@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, int32(3), b.auths.Load())

	_, err = c.Authenticate(ctx, "alice@example.com", "")
	assert.ErrorIs(t, err, db.ErrInvalidCredentials)
	assert.Equal(t, int32(3), b.auths.Load())
}

func TestInvalidateAndExpiry(t *testing.T) {
	b := &countingBackend{}
	c := New(b, Options{PositiveTTL: 20 * time.Millisecond, NegativeTTL: 20 * time.Millisecond, CleanupInterval: time.Hour})
	defer c.Stop(context.Background())
	ctx := context.Background()

	_, _ = c.GetPrincipal(ctx, "alice@example.com")
	_, _ = c.Authenticate(ctx, "alice@example.com", "secret")
	c.Invalidate("ALICE@example.com")
	resolved, creds := c.Size()
	assert.Zero(t, resolved)
	assert.Zero(t, creds)

	_, _ = c.GetPrincipal(ctx, "alice@example.com")
	time.Sleep(30 * time.Millisecond)
	_, _ = c.GetPrincipal(ctx, "alice@example.com")
	assert.Equal(t, int32(3), b.resolves.Load())

	c.cleanup()
	resolved, _ = c.Size()
	assert.Equal(t, 1, resolved)
}

func TestMaxSizeEvicts(t *testing.T) {
	b := &countingBackend{}
	c := New(b, Options{MaxSize: 2, CleanupInterval: time.Hour})
	defer c.Stop(context.Background())

	for _, addr := range []string{"x@example.com", "y@example.com", "z@example.com"} {
		_, _ = c.GetPrincipal(context.Background(), addr)
	}
	resolved, _ := c.Size()
	assert.Equal(t, 2, resolved)
}
