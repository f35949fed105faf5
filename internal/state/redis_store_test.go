package state

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestBlacklistRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	blacklisted, err := store.IsBlacklisted(ctx, "groq")
	require.NoError(t, err)
	require.False(t, blacklisted)

	require.NoError(t, store.Blacklist(ctx, "groq", 5))

	blacklisted, err = store.IsBlacklisted(ctx, "groq")
	require.NoError(t, err)
	require.True(t, blacklisted)

	ttl, err := store.BlacklistTTL(ctx, "groq")
	require.NoError(t, err)
	require.InDelta(t, 5, ttl, 1)
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	n, err := store.IncrementFailure(ctx, "groq")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = store.IncrementFailure(ctx, "groq")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.NoError(t, store.ResetFailure(ctx, "groq"))

	count, err := store.FailureCount(ctx, "groq")
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestCheckRateLimitFixedWindow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := KeyProviderRateLimit("groq")

	allowed, remaining, err := store.CheckRateLimit(ctx, key, 2, 60)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, int64(1), remaining)

	allowed, remaining, err = store.CheckRateLimit(ctx, key, 2, 60)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, int64(0), remaining)

	allowed, _, err = store.CheckRateLimit(ctx, key, 2, 60)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestAcquireReleaseSlot(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireSlot(ctx, "streams", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AcquireSlot(ctx, "streams", 1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.ReleaseSlot(ctx, "streams"))

	ok, err = store.AcquireSlot(ctx, "streams", 1)
	require.NoError(t, err)
	require.True(t, ok)
}
