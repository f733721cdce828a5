package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meridianos/meridian/internal/models"
	"github.com/meridianos/meridian/internal/rewards"
	"github.com/meridianos/meridian/pkg/crypto"
	"github.com/meridianos/meridian/pkg/logger"
)

const (
	referralCodeLength        = 8
	codeGenerationAttempts    = 10
	positionInsertAttempts    = 5
	defaultVerificationExpiry = 24 * time.Hour
	verificationTokenBytes    = 32
)

var (
	// ErrEntryNotFound indicates no waitlist entry matches the referral code.
	ErrEntryNotFound = errors.New("waitlist: entry not found")
	// ErrVerificationNotFound indicates the token does not resolve to an entry.
	ErrVerificationNotFound = errors.New("waitlist: verification token not found")
	// ErrVerificationExpired indicates the token is past its 24h window. The
	// caller can request a reissue; this is recoverable, unlike not-found.
	ErrVerificationExpired = errors.New("waitlist: verification token expired")
	// ErrAlreadyVerified signals a reissue request for a verified entry.
	ErrAlreadyVerified = errors.New("waitlist: entry already verified")
	// ErrCodeSpaceExhausted means referral code generation kept colliding.
	// This is a configuration fault (alphabet/length too small for scale),
	// never swallowed.
	ErrCodeSpaceExhausted = errors.New("waitlist: referral code space exhausted")
	// ErrUnknownEventType rejects activity log writes with unknown types.
	ErrUnknownEventType = errors.New("waitlist: unknown event type")
)

// WaitlistOption customises the WaitlistService.
type WaitlistOption func(*WaitlistService)

// WithWaitlistClock injects a custom time source, primarily for tests.
func WithWaitlistClock(clock func() time.Time) WaitlistOption {
	return func(s *WaitlistService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithVerificationExpiry overrides the verification token lifetime.
func WithVerificationExpiry(d time.Duration) WaitlistOption {
	return func(s *WaitlistService) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WaitlistService owns signup records, referral attribution, queue positions
// and the verification flow.
type WaitlistService struct {
	db       *gorm.DB
	notifier *EmailNotifier
	expiry   time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewWaitlistService constructs a WaitlistService. The notifier may be nil.
func NewWaitlistService(db *gorm.DB, notifier *EmailNotifier, opts ...WaitlistOption) (*WaitlistService, error) {
	if db == nil {
		return nil, errors.New("waitlist service: db is required")
	}

	service := &WaitlistService{
		db:       db,
		notifier: notifier,
		expiry:   defaultVerificationExpiry,
		now:      time.Now,
		log:      logger.WithModule("waitlist"),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// SignupResult reports the outcome of a signup request.
type SignupResult struct {
	Entry             *models.WaitlistEntry
	TotalWaitlist     int64
	AlreadyRegistered bool
}

// Signup registers an email on the waitlist. It is idempotent on email:
// retrying returns the existing entry without changing its position. A
// supplied referral code is advisory; an unresolvable code never blocks the
// signup. On a referred signup the referrer's total_referrals moves, but the
// verified counters, tier and position only move once the new entry verifies.
func (s *WaitlistService) Signup(ctx context.Context, email, referredBy string) (*SignupResult, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, errors.New("waitlist service: email is required")
	}

	if existing, err := s.findByEmail(ctx, email); err != nil {
		return nil, err
	} else if existing != nil {
		return s.idempotentResult(ctx, existing)
	}

	var referrer *models.WaitlistEntry
	if code := normalizeCode(referredBy); code != "" {
		entry, err := s.findByCode(ctx, code)
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
		referrer = entry // nil when the code does not resolve
	}

	code, err := s.generateCode(ctx)
	if err != nil {
		return nil, err
	}

	rawToken, err := crypto.GenerateToken(verificationTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("waitlist service: generate token: %w", err)
	}
	tokenHash := hashToken(rawToken)

	now := s.now()
	entry := &models.WaitlistEntry{
		Email:                 email,
		ReferralCode:          code,
		VerificationTokenHash: &tokenHash,
		VerificationExpires:   now.Add(s.expiry),
		CurrentTier:           models.TierNone,
	}
	if referrer != nil {
		entry.ReferredByCode = &referrer.ReferralCode
	}

	result, err := s.insertWithPosition(ctx, entry, referrer)
	if err != nil {
		return nil, err
	}
	if result.AlreadyRegistered {
		return result, nil
	}

	s.notifier.SendVerification(email, rawToken)
	return result, nil
}

// insertWithPosition assigns position = count+1 and inserts in one
// transaction. The unique index on original_position turns a concurrent
// signup that read the same count into a conflict, which is retried with a
// freshly read count; positions can never collide or skip.
func (s *WaitlistService) insertWithPosition(ctx context.Context, entry *models.WaitlistEntry, referrer *models.WaitlistEntry) (*SignupResult, error) {
	var total int64

	for attempt := 0; attempt < positionInsertAttempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&models.WaitlistEntry{}).Count(&count).Error; err != nil {
				return err
			}

			entry.ID = ""
			entry.OriginalPosition = int(count) + 1
			entry.CurrentPosition = entry.OriginalPosition

			if err := tx.Create(entry).Error; err != nil {
				return err
			}
			total = count + 1

			if referrer == nil {
				return nil
			}

			if err := tx.Model(&models.WaitlistEntry{}).
				Where("id = ?", referrer.ID).
				UpdateColumn("total_referrals", gorm.Expr("total_referrals + 1")).Error; err != nil {
				return err
			}

			event := models.ReferralEvent{
				ReferralCode:      referrer.ReferralCode,
				EventType:         models.EventSignup,
				ReferredEmail:     entry.Email,
				ConvertedToSignup: true,
			}
			return tx.Create(&event).Error
		})
		if err == nil {
			return &SignupResult{Entry: entry, TotalWaitlist: total}, nil
		}
		if !IsUniqueViolation(err) {
			return nil, fmt.Errorf("waitlist service: create entry: %w", err)
		}

		// A concurrent signup won either the position or the email. The
		// latter makes this request idempotent; the former just retries.
		if existing, findErr := s.findByEmail(ctx, entry.Email); findErr == nil && existing != nil {
			return s.idempotentResult(ctx, existing)
		}
	}

	return nil, fmt.Errorf("waitlist service: position contention, gave up after %d attempts", positionInsertAttempts)
}

// Verify consumes a verification token and applies the referrer's reward in
// the same transaction: either the entry is verified and the referrer's
// counters moved, or neither happened.
func (s *WaitlistService) Verify(ctx context.Context, token string) (*models.WaitlistEntry, error) {
	hash := hashToken(token)

	var entry models.WaitlistEntry
	if err := s.db.WithContext(ctx).
		Where("verification_token_hash = ?", hash).
		First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVerificationNotFound
		}
		return nil, fmt.Errorf("waitlist service: find token: %w", err)
	}

	now := s.now()
	if entry.VerificationExpires.Before(now) {
		return nil, ErrVerificationExpired
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The token may have been consumed between the lookup above and this
		// transaction. Updating conditionally on the hash still being present
		// lets exactly one caller win; the loser sees zero rows and the
		// referrer's counters move once.
		res := tx.Model(&models.WaitlistEntry{}).
			Where("id = ? AND verification_token_hash = ?", entry.ID, hash).
			Updates(map[string]any{
				"email_verified":          true,
				"verification_token_hash": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVerificationNotFound
		}

		if entry.ReferredByCode == nil {
			return nil
		}
		return s.applyReferrerVerification(tx, *entry.ReferredByCode, entry.Email)
	})
	if err != nil {
		if errors.Is(err, ErrVerificationNotFound) {
			return nil, ErrVerificationNotFound
		}
		return nil, fmt.Errorf("waitlist service: verify: %w", err)
	}

	entry.EmailVerified = true
	entry.VerificationTokenHash = nil

	s.notifier.SendWelcome(entry.Email, entry.ReferralCode, entry.CurrentPosition)
	return &entry, nil
}

// applyReferrerVerification moves the referrer's verified counter, tier and
// position, and flips the originating signup event exactly once. The referrer
// row is locked so two referred entries verifying at the same time both land.
func (s *WaitlistService) applyReferrerVerification(tx *gorm.DB, referrerCode, referredEmail string) error {
	var referrer models.WaitlistEntry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("referral_code = ?", referrerCode).
		First(&referrer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The referrer was deleted after attribution; the weak reference
		// leaves the verification itself intact.
		s.log.Warn("referrer missing during verification", zap.String("code", referrerCode))
		return nil
	}
	if err != nil {
		return err
	}

	outcome := rewards.ApplyVerification(referrer.OriginalPosition, referrer.VerifiedReferrals)
	if err := tx.Model(&referrer).Updates(map[string]any{
		"verified_referrals": outcome.VerifiedReferrals,
		"current_tier":       outcome.Tier,
		"current_position":   outcome.CurrentPosition,
	}).Error; err != nil {
		return err
	}

	var event models.ReferralEvent
	err = tx.Where("referral_code = ? AND referred_email = ? AND event_type = ? AND converted_to_verified = ?",
		referrerCode, referredEmail, models.EventSignup, false).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return tx.Model(&event).UpdateColumn("converted_to_verified", true).Error
}

// ReissueVerification mints a fresh token for an unverified entry, replacing
// any previous one. This is the recovery path for expired tokens.
func (s *WaitlistService) ReissueVerification(ctx context.Context, email string) error {
	email = normalizeEmail(email)

	entry, err := s.findByEmail(ctx, email)
	if err != nil {
		return err
	}
	if entry == nil {
		return ErrEntryNotFound
	}
	if entry.EmailVerified {
		return ErrAlreadyVerified
	}

	rawToken, err := crypto.GenerateToken(verificationTokenBytes)
	if err != nil {
		return fmt.Errorf("waitlist service: generate token: %w", err)
	}
	tokenHash := hashToken(rawToken)

	if err := s.db.WithContext(ctx).Model(entry).Updates(map[string]any{
		"verification_token_hash": tokenHash,
		"verification_expires":    s.now().Add(s.expiry),
	}).Error; err != nil {
		return fmt.Errorf("waitlist service: reissue token: %w", err)
	}

	s.notifier.SendVerification(email, rawToken)
	return nil
}

// RecordEvent appends a click/shared/badge_view row to the activity log.
func (s *WaitlistService) RecordEvent(ctx context.Context, code, eventType, source string) error {
	switch eventType {
	case models.EventClick, models.EventShared, models.EventBadgeView:
	default:
		return ErrUnknownEventType
	}

	code = normalizeCode(code)
	if _, err := s.findByCode(ctx, code); err != nil {
		return err
	}

	event := models.ReferralEvent{
		ReferralCode: code,
		EventType:    eventType,
		Source:       source,
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return fmt.Errorf("waitlist service: record event: %w", err)
	}
	return nil
}

// EntryStatus reports an entry's public queue standing.
type EntryStatus struct {
	Entry         *models.WaitlistEntry
	TotalWaitlist int64
	Perks         []string
}

// Status looks up an entry by referral code.
func (s *WaitlistService) Status(ctx context.Context, code string) (*EntryStatus, error) {
	entry, err := s.findByCode(ctx, normalizeCode(code))
	if err != nil {
		return nil, err
	}

	total, err := s.total(ctx)
	if err != nil {
		return nil, err
	}

	return &EntryStatus{
		Entry:         entry,
		TotalWaitlist: total,
		Perks:         rewards.Perks(entry.CurrentTier),
	}, nil
}

// PurgeExpiredTokens nulls verification tokens that are past their window,
// leaving the entries themselves in place for reissue. Used by maintenance.
func (s *WaitlistService) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.WaitlistEntry{}).
		Where("verification_token_hash IS NOT NULL AND verification_expires < ? AND email_verified = ?", s.now(), false).
		Update("verification_token_hash", nil)
	return result.RowsAffected, result.Error
}

func (s *WaitlistService) generateCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < codeGenerationAttempts; attempt++ {
		code, err := crypto.RandomCode(referralCodeLength)
		if err != nil {
			return "", fmt.Errorf("waitlist service: generate code: %w", err)
		}

		var count int64
		if err := s.db.WithContext(ctx).
			Model(&models.WaitlistEntry{}).
			Where("referral_code = ?", code).
			Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

func (s *WaitlistService) idempotentResult(ctx context.Context, entry *models.WaitlistEntry) (*SignupResult, error) {
	total, err := s.total(ctx)
	if err != nil {
		return nil, err
	}
	return &SignupResult{Entry: entry, TotalWaitlist: total, AlreadyRegistered: true}, nil
}

func (s *WaitlistService) total(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&models.WaitlistEntry{}).Count(&total).Error
	return total, err
}

func (s *WaitlistService) findByEmail(ctx context.Context, email string) (*models.WaitlistEntry, error) {
	var entry models.WaitlistEntry
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("waitlist service: find by email: %w", err)
	}
	return &entry, nil
}

func (s *WaitlistService) findByCode(ctx context.Context, code string) (*models.WaitlistEntry, error) {
	var entry models.WaitlistEntry
	err := s.db.WithContext(ctx).Where("referral_code = ?", code).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("waitlist service: find by code: %w", err)
	}
	return &entry, nil
}

func hashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
