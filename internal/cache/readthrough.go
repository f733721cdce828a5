package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Loader fetches a fresh value from the upstream source.
type Loader func(ctx context.Context) ([]byte, error)

// Result carries a cached lookup outcome. Cached is true when the value was
// served from the store within its TTL; UsingFallback is true when the
// upstream load failed and a stale value was served instead. Degraded data is
// always flagged, never presented as fresh.
type Result struct {
	Value         []byte
	Cached        bool
	UsingFallback bool
	FetchedAt     time.Time
}

// ReadThrough is a TTL read-through cache over a Store backend with an
// injected clock, so it is testable and swappable for a distributed store
// without touching call sites.
type ReadThrough struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

type cachedEnvelope struct {
	Value     []byte    `json:"value"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ReadThroughOption customises the ReadThrough cache.
type ReadThroughOption func(*ReadThrough)

// WithClock injects a custom time source.
func WithClock(clock func() time.Time) ReadThroughOption {
	return func(c *ReadThrough) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewReadThrough constructs a read-through cache with the given TTL.
func NewReadThrough(store Store, ttl time.Duration, opts ...ReadThroughOption) (*ReadThrough, error) {
	if store == nil {
		return nil, errors.New("cache: store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("cache: ttl must be positive")
	}

	cache := &ReadThrough{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache, nil
}

// Load returns the cached value for key when fresh, otherwise invokes the
// loader. When the loader fails and a stale value exists, the stale value is
// returned flagged as a fallback; the loader error surfaces only when there
// is nothing to fall back to.
func (c *ReadThrough) Load(ctx context.Context, key string, loader Loader) (Result, error) {
	now := c.now()

	envelope, found, err := c.lookup(ctx, key)
	if err == nil && found && now.Sub(envelope.FetchedAt) < c.ttl {
		return Result{Value: envelope.Value, Cached: true, FetchedAt: envelope.FetchedAt}, nil
	}

	fresh, loadErr := loader(ctx)
	if loadErr != nil {
		if found {
			return Result{Value: envelope.Value, Cached: true, UsingFallback: true, FetchedAt: envelope.FetchedAt}, nil
		}
		return Result{}, fmt.Errorf("cache: load %q: %w", key, loadErr)
	}

	stored := cachedEnvelope{Value: fresh, FetchedAt: now}
	if encoded, encErr := json.Marshal(stored); encErr == nil {
		// Keep stale entries around past the TTL so they remain available as
		// fallback data; staleness is decided by FetchedAt, not store expiry.
		_ = c.store.Set(ctx, key, encoded, c.ttl*10)
	}

	return Result{Value: fresh, FetchedAt: now}, nil
}

func (c *ReadThrough) lookup(ctx context.Context, key string) (cachedEnvelope, bool, error) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return cachedEnvelope{}, false, err
	}

	var envelope cachedEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return cachedEnvelope{}, false, nil
	}
	return envelope, true, nil
}
