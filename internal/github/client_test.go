package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianos/meridian/internal/cache"
)

func newStatsCache(t *testing.T, now *time.Time) *cache.ReadThrough {
	t.Helper()

	store := cache.NewMemoryStore(cache.WithMemoryClock(func() time.Time { return *now }))
	statsCache, err := cache.NewReadThrough(store, 10*time.Minute, cache.WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return statsCache
}

func TestClient_StatsFetchesAndCaches(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/repos/meridianos/meridian-linux", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stargazers_count": 4200, "forks_count": 310, "open_issues_count": 57, "subscribers_count": 128}`))
	}))
	defer server.Close()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	client, err := NewClient("meridianos", "meridian-linux", "", newStatsCache(t, &now), WithBaseURL(server.URL))
	require.NoError(t, err)

	result, err := client.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4200, result.Stats.Stars)
	require.Equal(t, 310, result.Stats.Forks)
	require.Equal(t, 57, result.Stats.OpenIssues)
	require.False(t, result.Cached)
	require.Equal(t, int64(1), calls.Load())

	// Within the TTL the upstream is not touched again.
	now = now.Add(5 * time.Minute)
	result, err = client.Stats(context.Background())
	require.NoError(t, err)
	require.True(t, result.Cached)
	require.False(t, result.UsingFallback)
	require.Equal(t, int64(1), calls.Load())

	// Past the TTL the value is refetched.
	now = now.Add(10 * time.Minute)
	result, err = client.Stats(context.Background())
	require.NoError(t, err)
	require.False(t, result.Cached)
	require.Equal(t, int64(2), calls.Load())
}

func TestClient_StatsServesStaleOnUpstreamFailure(t *testing.T) {
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"stargazers_count": 100}`))
	}))
	defer server.Close()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	client, err := NewClient("meridianos", "meridian-linux", "", newStatsCache(t, &now), WithBaseURL(server.URL))
	require.NoError(t, err)

	result, err := client.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 100, result.Stats.Stars)

	// Upstream breaks after the TTL lapses: the stale copy is served and
	// flagged as a fallback rather than surfaced as an error.
	failing.Store(true)
	now = now.Add(30 * time.Minute)

	result, err = client.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 100, result.Stats.Stars)
	require.True(t, result.UsingFallback)
}

func TestClient_StatsErrorsWithoutFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	client, err := NewClient("meridianos", "meridian-linux", "", newStatsCache(t, &now), WithBaseURL(server.URL))
	require.NoError(t, err)

	_, err = client.Stats(context.Background())
	require.Error(t, err)
}
