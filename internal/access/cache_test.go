package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voronkovm/authpipe/internal/store"
	"github.com/voronkovm/authpipe/internal/util"
)

// downStore fails every operation.
type downStore struct{}

func (downStore) Get(context.Context, string, string) (store.Document, error) {
	return nil, util.NewStoreError("down", "get", util.ErrUnavailable)
}

func (downStore) Set(context.Context, string, string, store.Document, time.Duration) error {
	return util.NewStoreError("down", "set", util.ErrUnavailable)
}

func (downStore) Delete(context.Context, string, string) error {
	return util.NewStoreError("down", "delete", util.ErrUnavailable)
}

func (downStore) Ping(context.Context) error {
	return util.NewStoreError("down", "ping", util.ErrUnavailable)
}

func (downStore) Close() error { return nil }

func testCacheKey() *CacheKey {
	return &CacheKey{
		Policy:   "project-access",
		Subject:  "u-7",
		Resource: "project",
		Key:      "p-1",
		Action:   "GET",
		Roles:    []string{"editor", "viewer"},
	}
}

func TestCacheKey_String(t *testing.T) {
	t.Parallel()

	a := testCacheKey()
	b := testCacheKey()
	assert.Equal(t, a.String(), b.String())
	assert.Len(t, a.String(), 64)

	c := testCacheKey()
	c.Roles = []string{"viewer"}
	assert.NotEqual(t, a.String(), c.String(), "roles participate in the key")

	d := testCacheKey()
	d.Action = "DELETE"
	assert.NotEqual(t, a.String(), d.String())
}

func TestStoreDecisionCache_RoundTrip(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	cache := NewStoreDecisionCache(st, nil)
	ctx := context.Background()
	key := testCacheKey()

	_, ok := cache.Get(ctx, key)
	assert.False(t, ok)

	cache.Set(ctx, key, &Decision{Allowed: true, Reason: "matched rule owner", Policy: "project-access"})

	got, ok := cache.Get(ctx, key)
	require.True(t, ok)
	assert.True(t, got.Allowed)
	assert.Equal(t, "matched rule owner", got.Reason)
	assert.Equal(t, "project-access", got.Policy)
}

func TestStoreDecisionCache_TTL(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	cache := NewStoreDecisionCache(st, &CacheConfig{Enabled: true, TTL: time.Nanosecond})
	ctx := context.Background()
	key := testCacheKey()

	cache.Set(ctx, key, &Decision{Allowed: true})
	time.Sleep(5 * time.Millisecond)

	_, ok := cache.Get(ctx, key)
	assert.False(t, ok, "expired decisions must not be served")
}

func TestStoreDecisionCache_BrokenStoreDegrades(t *testing.T) {
	t.Parallel()

	cache := NewStoreDecisionCache(downStore{}, nil)
	ctx := context.Background()
	key := testCacheKey()

	cache.Set(ctx, key, &Decision{Allowed: true})

	_, ok := cache.Get(ctx, key)
	assert.False(t, ok, "a broken cache backend is a miss, never an error")
}

func TestNoopDecisionCache(t *testing.T) {
	t.Parallel()

	cache := NewNoopDecisionCache()
	ctx := context.Background()
	key := testCacheKey()

	cache.Set(ctx, key, &Decision{Allowed: true})
	_, ok := cache.Get(ctx, key)
	assert.False(t, ok)
	assert.NoError(t, cache.Close())
}
