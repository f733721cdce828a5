package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianos/meridian/internal/models"
	"github.com/meridianos/meridian/pkg/logger"
	"github.com/meridianos/meridian/pkg/metrics"
)

const (
	licenseKeyAttempts = 5
	defaultLicenseTerm = 365 * 24 * time.Hour
)

// Activation ceilings per plan. Unknown plans get the personal ceiling.
var planSystems = map[string]int{
	"personal":  3,
	"family":    5,
	"workshop":  10,
	"unlimited": 100,
}

var (
	// ErrLicenseNotFound indicates no license matches the given key or subscription.
	ErrLicenseNotFound = errors.New("license: not found")
	// ErrLicenseExpired rejects operations on a license past its computed
	// expiry, regardless of what the status column still says.
	ErrLicenseExpired = errors.New("license: expired")
	// ErrLicenseNotActive rejects activations on suspended or cancelled licenses.
	ErrLicenseNotActive = errors.New("license: not active")
	// ErrActivationNotFound rejects deactivation of an unknown machine rather
	// than silently freeing the wrong seat.
	ErrActivationNotFound = errors.New("license: activation not found")
)

// MaxActivationsError reports an activation attempt past the plan ceiling,
// carrying the counts the caller needs to decide next steps.
type MaxActivationsError struct {
	Current int
	Limit   int
}

func (e *MaxActivationsError) Error() string {
	return fmt.Sprintf("license: maximum activations reached (%d of %d)", e.Current, e.Limit)
}

// LicenseOption customises the LicenseService.
type LicenseOption func(*LicenseService)

// WithLicenseClock injects a custom time source.
func WithLicenseClock(clock func() time.Time) LicenseOption {
	return func(s *LicenseService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// LicenseService issues license keys from paid subscriptions, mirrors
// subscription lifecycle transitions, and enforces activation ceilings.
type LicenseService struct {
	db       *gorm.DB
	notifier *EmailNotifier
	keygen   func() (string, error)
	now      func() time.Time
	log      *zap.Logger
}

// NewLicenseService constructs a LicenseService. The notifier may be nil.
func NewLicenseService(db *gorm.DB, notifier *EmailNotifier, keygen func() (string, error), opts ...LicenseOption) (*LicenseService, error) {
	if db == nil {
		return nil, errors.New("license service: db is required")
	}
	if keygen == nil {
		return nil, errors.New("license service: key generator is required")
	}

	service := &LicenseService{
		db:       db,
		notifier: notifier,
		keygen:   keygen,
		now:      time.Now,
		log:      logger.WithModule("license"),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// MaxSystemsForPlan returns the activation ceiling for a plan name.
func MaxSystemsForPlan(plan string) int {
	if limit, ok := planSystems[plan]; ok {
		return limit
	}
	return planSystems["personal"]
}

// CreateFromCheckout issues a license for a completed subscription checkout.
// Exactly one license exists per subscription: a replayed checkout event
// returns the existing license without side effects. The unique index on
// stripe_subscription_id closes the race two concurrent deliveries would
// otherwise win together.
func (s *LicenseService) CreateFromCheckout(ctx context.Context, email, customerID, subscriptionID, plan string, expiresAt time.Time) (*models.License, bool, error) {
	email = normalizeEmail(email)
	if subscriptionID == "" {
		return nil, false, errors.New("license service: subscription id is required")
	}

	if existing, err := s.findBySubscription(ctx, subscriptionID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrLicenseNotFound) {
		return nil, false, err
	}

	if expiresAt.IsZero() {
		expiresAt = s.now().Add(defaultLicenseTerm)
	}

	for attempt := 0; attempt < licenseKeyAttempts; attempt++ {
		key, err := s.keygen()
		if err != nil {
			return nil, false, fmt.Errorf("license service: generate key: %w", err)
		}

		license := &models.License{
			LicenseKey:           key,
			Email:                email,
			Plan:                 plan,
			MaxSystems:           MaxSystemsForPlan(plan),
			Status:               models.LicenseActive,
			StripeCustomerID:     customerID,
			StripeSubscriptionID: subscriptionID,
			ExpiresAt:            expiresAt,
		}

		err = s.db.WithContext(ctx).Create(license).Error
		if err == nil {
			s.notifier.SendLicenseKey(email, key, plan, license.MaxSystems)
			return license, true, nil
		}
		if !IsUniqueViolation(err) {
			return nil, false, fmt.Errorf("license service: create license: %w", err)
		}

		// Either the key collided (retry with a fresh one) or a concurrent
		// delivery of the same checkout won the subscription id.
		if existing, findErr := s.findBySubscription(ctx, subscriptionID); findErr == nil {
			return existing, false, nil
		}
	}

	return nil, false, errors.New("license service: key generation kept colliding")
}

// SyncSubscriptionStatus mirrors a subscription lifecycle event onto the
// license. Cancelled is terminal: any later status-setting event for the same
// subscription is ignored, which makes unordered webhook delivery safe.
func (s *LicenseService) SyncSubscriptionStatus(ctx context.Context, subscriptionID, subscriptionStatus string, periodEnd time.Time) (*models.License, error) {
	license, err := s.findBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if license.Status == models.LicenseCancelled {
		s.log.Info("ignoring status event for cancelled license",
			zap.String("subscription_id", subscriptionID),
			zap.String("event_status", subscriptionStatus),
		)
		return license, nil
	}

	status := mapSubscriptionStatus(subscriptionStatus)
	updates := map[string]any{"status": status}
	if !periodEnd.IsZero() {
		updates["expires_at"] = periodEnd
		license.ExpiresAt = periodEnd
	}

	if err := s.db.WithContext(ctx).Model(license).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("license service: update status: %w", err)
	}

	if status == models.LicenseSuspended && license.Status != models.LicenseSuspended {
		s.notifier.SendSuspension(license.Email, license.LicenseKey)
	}
	license.Status = status

	return license, nil
}

// CancelSubscription transitions the license to its terminal state.
func (s *LicenseService) CancelSubscription(ctx context.Context, subscriptionID string) (*models.License, error) {
	license, err := s.findBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if license.Status == models.LicenseCancelled {
		return license, nil
	}

	if err := s.db.WithContext(ctx).Model(license).Update("status", models.LicenseCancelled).Error; err != nil {
		return nil, fmt.Errorf("license service: cancel: %w", err)
	}
	license.Status = models.LicenseCancelled
	return license, nil
}

// ValidationResult reports a license check. RemainingActivations is always
// maxSystems minus the count of distinct activated machines — the requesting
// machine's own activation counts as consumed.
type ValidationResult struct {
	License              *models.License
	Valid                bool
	Activated            bool
	RemainingActivations int
}

// Validate checks a license key for a machine. Expiry is computed from
// ExpiresAt at call time; a stale active status never passes an expired
// license.
func (s *LicenseService) Validate(ctx context.Context, licenseKey, machineID string) (*ValidationResult, error) {
	license, err := s.findByKey(ctx, licenseKey)
	if err != nil {
		return nil, err
	}

	if s.now().After(license.ExpiresAt) {
		return nil, ErrLicenseExpired
	}

	count, activated, err := s.activationState(ctx, license.ID, machineID)
	if err != nil {
		return nil, err
	}

	return &ValidationResult{
		License:              license,
		Valid:                license.Status == models.LicenseActive,
		Activated:            activated,
		RemainingActivations: license.MaxSystems - int(count),
	}, nil
}

// ActivationResult reports a successful activation.
type ActivationResult struct {
	Activation           *models.Activation
	Refreshed            bool
	RemainingActivations int
}

// Activate binds a machine to a license. Re-activating a known machine
// refreshes last_seen without consuming a seat. A new machine is admitted
// only while the distinct-machine count is below the plan ceiling; the count
// check and the insert share one transaction, and the composite unique index
// resolves concurrent duplicates of the same machine.
func (s *LicenseService) Activate(ctx context.Context, licenseKey, machineID, hostname string) (*ActivationResult, error) {
	if machineID == "" {
		return nil, errors.New("license service: machine id is required")
	}

	license, err := s.findByKey(ctx, licenseKey)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if now.After(license.ExpiresAt) {
		return nil, ErrLicenseExpired
	}
	if license.Status != models.LicenseActive {
		return nil, ErrLicenseNotActive
	}

	result := &ActivationResult{}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Activation
		err := tx.Where("license_id = ? AND machine_id = ?", license.ID, machineID).First(&existing).Error
		if err == nil {
			if err := tx.Model(&existing).Update("last_seen", now).Error; err != nil {
				return err
			}
			existing.LastSeen = now
			result.Activation = &existing
			result.Refreshed = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var count int64
		if err := tx.Model(&models.Activation{}).Where("license_id = ?", license.ID).Count(&count).Error; err != nil {
			return err
		}
		if int(count) >= license.MaxSystems {
			return &MaxActivationsError{Current: int(count), Limit: license.MaxSystems}
		}

		activation := &models.Activation{
			LicenseID: license.ID,
			MachineID: machineID,
			Hostname:  hostname,
			LastSeen:  now,
		}
		if err := tx.Create(activation).Error; err != nil {
			return err
		}
		result.Activation = activation
		return nil
	})
	if err != nil {
		var maxErr *MaxActivationsError
		if errors.As(err, &maxErr) {
			metrics.LicenseActivations.WithLabelValues("rejected").Inc()
			return nil, maxErr
		}
		if IsUniqueViolation(err) {
			// Two concurrent activations of the same machine: the loser
			// retries as a refresh.
			return s.Activate(ctx, licenseKey, machineID, hostname)
		}
		return nil, fmt.Errorf("license service: activate: %w", err)
	}

	count, _, err := s.activationState(ctx, license.ID, machineID)
	if err != nil {
		return nil, err
	}
	result.RemainingActivations = license.MaxSystems - int(count)

	if result.Refreshed {
		metrics.LicenseActivations.WithLabelValues("refreshed").Inc()
	} else {
		metrics.LicenseActivations.WithLabelValues("created").Inc()
	}
	return result, nil
}

// Deactivate releases a machine's seat. Deactivating a machine that was never
// activated is an error, not a silent success.
func (s *LicenseService) Deactivate(ctx context.Context, licenseKey, machineID string) error {
	license, err := s.findByKey(ctx, licenseKey)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Where("license_id = ? AND machine_id = ?", license.ID, machineID).
		Delete(&models.Activation{})
	if result.Error != nil {
		return fmt.Errorf("license service: deactivate: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrActivationNotFound
	}
	return nil
}

func (s *LicenseService) activationState(ctx context.Context, licenseID, machineID string) (int64, bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Activation{}).
		Where("license_id = ?", licenseID).
		Count(&count).Error; err != nil {
		return 0, false, fmt.Errorf("license service: count activations: %w", err)
	}

	activated := false
	if machineID != "" {
		var machineCount int64
		if err := s.db.WithContext(ctx).Model(&models.Activation{}).
			Where("license_id = ? AND machine_id = ?", licenseID, machineID).
			Count(&machineCount).Error; err != nil {
			return 0, false, err
		}
		activated = machineCount > 0
	}

	return count, activated, nil
}

func (s *LicenseService) findByKey(ctx context.Context, licenseKey string) (*models.License, error) {
	var license models.License
	err := s.db.WithContext(ctx).Where("license_key = ?", normalizeCode(licenseKey)).First(&license).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("license service: find by key: %w", err)
	}
	return &license, nil
}

func (s *LicenseService) findBySubscription(ctx context.Context, subscriptionID string) (*models.License, error) {
	var license models.License
	err := s.db.WithContext(ctx).Where("stripe_subscription_id = ?", subscriptionID).First(&license).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("license service: find by subscription: %w", err)
	}
	return &license, nil
}

// mapSubscriptionStatus converts a billing provider subscription status into
// a license status. Unknown statuses fail closed to suspended.
func mapSubscriptionStatus(status string) string {
	switch status {
	case "active", "trialing":
		return models.LicenseActive
	case "canceled", "incomplete_expired":
		return models.LicenseCancelled
	default:
		return models.LicenseSuspended
	}
}
