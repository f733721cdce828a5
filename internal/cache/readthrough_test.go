package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadThroughServesFreshValueFromCache(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	rt, err := NewReadThrough(NewMemoryStore(WithMemoryClock(clock)), 5*time.Minute, WithClock(clock))
	require.NoError(t, err)

	calls := 0
	loader := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte(`{"stars": 42}`), nil
	}

	first, err := rt.Load(context.Background(), "github:stats", loader)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, calls)

	second, err := rt.Load(context.Background(), "github:stats", loader)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.False(t, second.UsingFallback)
	assert.Equal(t, 1, calls, "loader must not be invoked within the TTL")
}

func TestReadThroughRefreshesAfterTTL(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	rt, err := NewReadThrough(NewMemoryStore(WithMemoryClock(clock)), time.Minute, WithClock(clock))
	require.NoError(t, err)

	calls := 0
	loader := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}

	_, err = rt.Load(context.Background(), "k", loader)
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)

	result, err := rt.Load(context.Background(), "k", loader)
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, 2, calls)
}

func TestReadThroughFallsBackToStaleOnLoaderFailure(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	rt, err := NewReadThrough(NewMemoryStore(WithMemoryClock(clock)), time.Minute, WithClock(clock))
	require.NoError(t, err)

	_, err = rt.Load(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		return []byte("stale-but-good"), nil
	})
	require.NoError(t, err)

	current = current.Add(10 * time.Minute)

	result, err := rt.Load(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("upstream down")
	})
	require.NoError(t, err)
	assert.True(t, result.UsingFallback, "degraded data must be flagged")
	assert.Equal(t, []byte("stale-but-good"), result.Value)
}

func TestReadThroughSurfacesErrorWithoutFallback(t *testing.T) {
	rt, err := NewReadThrough(NewMemoryStore(), time.Minute)
	require.NoError(t, err)

	_, err = rt.Load(context.Background(), "missing", func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("upstream down")
	})
	require.Error(t, err)
}
