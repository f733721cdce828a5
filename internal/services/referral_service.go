package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianos/meridian/internal/models"
	"github.com/meridianos/meridian/pkg/crypto"
	"github.com/meridianos/meridian/pkg/logger"
	"github.com/meridianos/meridian/pkg/metrics"
)

const (
	defaultRewardPercent = 10
	defaultWindowMonths  = 36
)

var (
	// ErrReferrerNotFound indicates no referrer matches the given code or email.
	ErrReferrerNotFound = errors.New("referral: referrer not found")
	// ErrAlreadyAttributed rejects a second attribution for the same email;
	// the first referrer wins, permanently.
	ErrAlreadyAttributed = errors.New("referral: email already attributed to a referrer")
)

// ReferralOption customises the ReferralService.
type ReferralOption func(*ReferralService)

// WithReferralClock injects a custom time source.
func WithReferralClock(clock func() time.Time) ReferralOption {
	return func(s *ReferralService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithRewardPercent overrides the revenue share percentage.
func WithRewardPercent(percent int) ReferralOption {
	return func(s *ReferralService) {
		if percent > 0 && percent <= 100 {
			s.rewardPercent = percent
		}
	}
}

// WithRewardWindowMonths overrides the attribution window.
func WithRewardWindowMonths(months int) ReferralOption {
	return func(s *ReferralService) {
		if months > 0 {
			s.windowMonths = months
		}
	}
}

// ReferralService runs the monetary affiliate program: attribution with a
// hard expiration window, conversion on subscription, and per-invoice reward
// accrual. It is a separate ledger from the waitlist tier program.
type ReferralService struct {
	db            *gorm.DB
	rewardPercent int
	windowMonths  int
	now           func() time.Time
	log           *zap.Logger
}

// NewReferralService constructs a ReferralService.
func NewReferralService(db *gorm.DB, opts ...ReferralOption) (*ReferralService, error) {
	if db == nil {
		return nil, errors.New("referral service: db is required")
	}

	service := &ReferralService{
		db:            db,
		rewardPercent: defaultRewardPercent,
		windowMonths:  defaultWindowMonths,
		now:           time.Now,
		log:           logger.WithModule("referral"),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// RegisterReferrer enrolls an email in the affiliate program, idempotently.
func (s *ReferralService) RegisterReferrer(ctx context.Context, email string) (*models.Referrer, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, errors.New("referral service: email is required")
	}

	var existing models.Referrer
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("referral service: find referrer: %w", err)
	}

	for attempt := 0; attempt < codeGenerationAttempts; attempt++ {
		code, err := crypto.RandomCode(referralCodeLength)
		if err != nil {
			return nil, fmt.Errorf("referral service: generate code: %w", err)
		}

		referrer := &models.Referrer{Email: email, ReferralCode: code}
		err = s.db.WithContext(ctx).Create(referrer).Error
		if err == nil {
			return referrer, nil
		}
		if !IsUniqueViolation(err) {
			return nil, fmt.Errorf("referral service: create referrer: %w", err)
		}

		// Either the code collided or a concurrent request registered the
		// same email; the latter is idempotent success.
		if findErr := s.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error; findErr == nil {
			return &existing, nil
		}
	}

	return nil, ErrCodeSpaceExhausted
}

// TrackReferral attributes a prospect to a referrer. The expiration window is
// fixed at tracking time and never moves: a referral that converts after the
// window closes is permanently ineligible.
func (s *ReferralService) TrackReferral(ctx context.Context, code, referredEmail string) (*models.Referral, error) {
	referredEmail = normalizeEmail(referredEmail)
	if referredEmail == "" {
		return nil, errors.New("referral service: referred email is required")
	}

	var referrer models.Referrer
	if err := s.db.WithContext(ctx).Where("referral_code = ?", normalizeCode(code)).First(&referrer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReferrerNotFound
		}
		return nil, fmt.Errorf("referral service: find referrer: %w", err)
	}

	now := s.now()
	referral := &models.Referral{
		ReferrerID:    referrer.ID,
		ReferredEmail: referredEmail,
		Status:        models.ReferralPending,
		TrackedAt:     now,
		ExpiresAt:     now.AddDate(0, s.windowMonths, 0),
	}

	if err := s.db.WithContext(ctx).Create(referral).Error; err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrAlreadyAttributed
		}
		return nil, fmt.Errorf("referral service: track referral: %w", err)
	}
	return referral, nil
}

// ConvertReferral marks a pending referral active when the referred customer
// starts a paid subscription — unless the window already closed, in which
// case the referral transitions to expired and stays there.
func (s *ReferralService) ConvertReferral(ctx context.Context, email, subscriptionID string) (*models.Referral, error) {
	email = normalizeEmail(email)

	var referral models.Referral
	err := s.db.WithContext(ctx).Where("referred_email = ?", email).First(&referral).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // unreferred customer, nothing to do
	}
	if err != nil {
		return nil, fmt.Errorf("referral service: find referral: %w", err)
	}

	if referral.Status != models.ReferralPending {
		return &referral, nil
	}

	now := s.now()
	updates := map[string]any{"stripe_subscription_id": subscriptionID}
	if referral.ExpiresAt.After(now) {
		updates["status"] = models.ReferralActive
		updates["converted_at"] = now
		referral.Status = models.ReferralActive
		referral.ConvertedAt = &now
	} else {
		updates["status"] = models.ReferralExpired
		referral.Status = models.ReferralExpired
		s.log.Info("referral converted past its window, marking expired",
			zap.String("email", email),
			zap.Time("expires_at", referral.ExpiresAt),
		)
	}
	referral.StripeSubscriptionID = subscriptionID

	if err := s.db.WithContext(ctx).Model(&referral).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("referral service: convert referral: %w", err)
	}
	return &referral, nil
}

// ProcessReferralReward accrues a percentage of a paid invoice to the
// referrer. It is a logged no-op when no active, unexpired referral exists,
// and idempotent on invoice id: the unique index on referral_rewards makes a
// replayed invoice a conflict, so the payout can never be credited twice. The
// reward row and the payout accrual commit together or not at all.
func (s *ReferralService) ProcessReferralReward(ctx context.Context, email, invoiceID string, amountCents int64) (*models.ReferralReward, error) {
	email = normalizeEmail(email)
	if invoiceID == "" {
		return nil, errors.New("referral service: invoice id is required")
	}
	if amountCents <= 0 {
		return nil, nil
	}

	now := s.now()

	var referral models.Referral
	err := s.db.WithContext(ctx).
		Where("referred_email = ? AND status = ? AND expires_at > ?", email, models.ReferralActive, now).
		First(&referral).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.log.Info("invoice without eligible referral, skipping reward",
			zap.String("email", email),
			zap.String("invoice_id", invoiceID),
		)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("referral service: find active referral: %w", err)
	}

	reward := &models.ReferralReward{
		ReferralID:    referral.ID,
		ReferrerID:    referral.ReferrerID,
		InvoiceID:     invoiceID,
		InvoiceAmount: amountCents,
		RewardAmount:  amountCents * int64(s.rewardPercent) / 100,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(reward).Error; err != nil {
			return err
		}
		return tx.Model(&models.Referrer{}).
			Where("id = ?", referral.ReferrerID).
			UpdateColumns(map[string]any{
				"pending_payout": gorm.Expr("pending_payout + ?", reward.RewardAmount),
				"total_earnings": gorm.Expr("total_earnings + ?", reward.RewardAmount),
			}).Error
	})
	if err != nil {
		if IsUniqueViolation(err) {
			s.log.Info("invoice already rewarded, skipping",
				zap.String("invoice_id", invoiceID),
			)
			return nil, nil
		}
		return nil, fmt.Errorf("referral service: accrue reward: %w", err)
	}

	metrics.RewardsAccrued.Add(float64(reward.RewardAmount))
	return reward, nil
}

// ExpireOldReferrals transitions every active referral whose window has
// closed to expired. Safe to run repeatedly; returns the rows changed.
func (s *ReferralService) ExpireOldReferrals(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.Referral{}).
		Where("status = ? AND expires_at <= ?", models.ReferralActive, s.now()).
		Update("status", models.ReferralExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("referral service: expire referrals: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ReferrerStats summarises a referrer's ledger for the dashboard.
type ReferrerStats struct {
	Referrer        *models.Referrer
	TotalReferrals  int64
	ActiveReferrals int64
	RewardCount     int64
}

// Stats reports a referrer's attribution and earnings summary.
func (s *ReferralService) Stats(ctx context.Context, code string) (*ReferrerStats, error) {
	var referrer models.Referrer
	if err := s.db.WithContext(ctx).Where("referral_code = ?", normalizeCode(code)).First(&referrer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReferrerNotFound
		}
		return nil, fmt.Errorf("referral service: find referrer: %w", err)
	}

	stats := &ReferrerStats{Referrer: &referrer}

	if err := s.db.WithContext(ctx).Model(&models.Referral{}).
		Where("referrer_id = ?", referrer.ID).
		Count(&stats.TotalReferrals).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Referral{}).
		Where("referrer_id = ? AND status = ?", referrer.ID, models.ReferralActive).
		Count(&stats.ActiveReferrals).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.ReferralReward{}).
		Where("referrer_id = ?", referrer.ID).
		Count(&stats.RewardCount).Error; err != nil {
		return nil, err
	}

	return stats, nil
}
