package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianos/meridian/internal/models"
	"github.com/meridianos/meridian/internal/services"
	"github.com/meridianos/meridian/pkg/logger"
)

const (
	defaultReferralSpec = "@hourly"
	defaultTokenSpec    = "@daily"
	defaultCacheSpec    = "@daily"
)

// Cleaner coordinates background maintenance: sweeping monetary referrals past
// their reward window, purging expired verification tokens, and pruning stale
// database cache entries. Referral expiry also runs on a schedule so rewards
// stop accruing even when no invoice ever arrives to trigger the lazy check.
type Cleaner struct {
	db        *gorm.DB
	waitlist  *services.WaitlistService
	referrals *services.ReferralService
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	enabled   bool

	referralSchedule string
	tokenSchedule    string
	cacheSchedule    string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithReferralSchedule overrides the cron specification for referral expiry.
func WithReferralSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.referralSchedule = spec
		}
	}
}

// WithTokenSchedule overrides the cron specification for token cleanup.
func WithTokenSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.tokenSchedule = spec
		}
	}
}

// WithCacheSchedule overrides the cron specification for cache pruning.
func WithCacheSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.cacheSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding cleanup job being skipped.
func NewCleaner(db *gorm.DB, waitlist *services.WaitlistService, referrals *services.ReferralService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:               db,
		waitlist:         waitlist,
		referrals:        referrals,
		now:              time.Now,
		referralSchedule: defaultReferralSpec,
		tokenSchedule:    defaultTokenSpec,
		cacheSchedule:    defaultCacheSpec,
		log:              logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.waitlist != nil || cleaner.referrals != nil || cleaner.db != nil

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at
// least one cleanup is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.referrals != nil {
		if _, err := c.cron.AddFunc(c.referralSchedule, func() {
			ctx := context.Background()
			expired, err := c.referrals.ExpireOldReferrals(ctx)
			if err != nil {
				c.log.Warn("referral expiry sweep failed", zap.Error(err))
				return
			}
			if expired > 0 {
				c.log.Info("expired referrals past their reward window", zap.Int64("count", expired))
			}
		}); err != nil {
			return err
		}
	}

	if c.waitlist != nil {
		if _, err := c.cron.AddFunc(c.tokenSchedule, func() {
			ctx := context.Background()
			if _, err := c.waitlist.PurgeExpiredTokens(ctx); err != nil {
				c.log.Warn("verification token purge failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil {
		if _, err := c.cron.AddFunc(c.cacheSchedule, func() {
			ctx := context.Background()
			if _, err := PruneCacheEntries(ctx, c.db, c.now()); err != nil {
				c.log.Warn("cache entry pruning failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily
// used in tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.referrals != nil {
		if _, err := c.referrals.ExpireOldReferrals(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.waitlist != nil {
		if _, err := c.waitlist.PurgeExpiredTokens(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil {
		if _, err := PruneCacheEntries(ctx, c.db, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// PruneCacheEntries removes database cache rows whose expiry has passed.
func PruneCacheEntries(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("prune cache: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.CacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune cache: %w", result.Error)
	}
	return result.RowsAffected, nil
}
