package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianos/meridian/internal/models"
	"github.com/meridianos/meridian/internal/services"
	apperrors "github.com/meridianos/meridian/pkg/errors"
	"github.com/meridianos/meridian/pkg/logger"
	"github.com/meridianos/meridian/pkg/metrics"
	"github.com/meridianos/meridian/pkg/response"
)

const webhookBodyLimit = 1 << 20 // 1 MiB

// Processing outcomes recorded per event type.
const (
	resultProcessed = "processed"
	resultDuplicate = "duplicate"
	resultIgnored   = "ignored"
	resultError     = "error"
)

// WebhookOption customises the webhook Processor.
type WebhookOption func(*Processor)

// WithWebhookClock injects a custom time source.
func WithWebhookClock(clock func() time.Time) WebhookOption {
	return func(p *Processor) {
		if clock != nil {
			p.now = clock
		}
	}
}

// Processor verifies, deduplicates and dispatches billing provider webhook
// deliveries. Signature verification fails closed; an unverifiable payload is
// never parsed. Dedup is durable: a processed event id is recorded in the
// same database as its side effects, so a replay after success acknowledges
// without re-running anything, while a replay after failure retries.
type Processor struct {
	db        *gorm.DB
	licenses  *services.LicenseService
	referrals *services.ReferralService
	secret    string
	now       func() time.Time
	log       *zap.Logger
	handlers  map[stripe.EventType]eventHandler
}

// eventHandler processes one verified, deduplicated event and reports the
// outcome label recorded in metrics.
type eventHandler func(c *gin.Context, event *stripe.Event) (string, error)

// NewProcessor constructs a webhook Processor.
func NewProcessor(db *gorm.DB, licenses *services.LicenseService, referrals *services.ReferralService, secret string, opts ...WebhookOption) (*Processor, error) {
	if db == nil {
		return nil, errors.New("billing: db is required")
	}
	if licenses == nil || referrals == nil {
		return nil, errors.New("billing: license and referral services are required")
	}

	p := &Processor{
		db:        db,
		licenses:  licenses,
		referrals: referrals,
		secret:    secret,
		now:       time.Now,
		log:       logger.WithModule("billing"),
	}
	for _, opt := range opts {
		opt(p)
	}

	// Event routing is a table rather than a switch so adding an event type
	// is a single new entry next to its handler.
	p.handlers = map[stripe.EventType]eventHandler{
		"checkout.session.completed":    p.handleCheckoutCompleted,
		"customer.subscription.created": p.handleSubscriptionChanged,
		"customer.subscription.updated": p.handleSubscriptionChanged,
		"customer.subscription.deleted": p.handleSubscriptionDeleted,
		"invoice.paid":                  p.handleInvoicePaid,
	}

	return p, nil
}

// Handle is the POST /api/webhooks/stripe endpoint.
func (p *Processor) Handle(c *gin.Context) {
	if strings.TrimSpace(p.secret) == "" {
		response.Error(c, apperrors.New("WEBHOOK_NOT_CONFIGURED", "webhook secret not configured", http.StatusServiceUnavailable))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Error(c, apperrors.NewBadRequest("failed to read request body"))
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		response.Error(c, apperrors.NewBadRequest("missing Stripe signature"))
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		p.log.Warn("webhook signature verification failed", zap.Error(err))
		response.Error(c, apperrors.NewBadRequest("invalid Stripe signature"))
		return
	}
	eventType := string(event.Type)

	record := &models.WebhookEvent{
		EventID:     event.ID,
		EventType:   eventType,
		Payload:     payload,
		ProcessedAt: p.now(),
	}
	if err := p.db.WithContext(c.Request.Context()).Create(record).Error; err != nil {
		if services.IsUniqueViolation(err) {
			p.log.Info("duplicate webhook delivery acknowledged",
				zap.String("event_id", event.ID),
				zap.String("type", eventType),
			)
			metrics.WebhookEvents.WithLabelValues(eventType, resultDuplicate).Inc()
			response.Success(c, http.StatusOK, gin.H{"received": true, "duplicate": true})
			return
		}
		response.Error(c, apperrors.Wrap(err, "failed to record webhook event"))
		return
	}

	result, err := p.handleEvent(c, &event)
	if err != nil {
		// Drop the dedup record so the provider's retry reprocesses the
		// event instead of short-circuiting as already handled.
		if delErr := p.db.WithContext(c.Request.Context()).Unscoped().Delete(record).Error; delErr != nil {
			p.log.Error("failed to release webhook dedup record",
				zap.String("event_id", event.ID),
				zap.Error(delErr),
			)
		}
		p.log.Error("webhook processing failed",
			zap.String("event_id", event.ID),
			zap.String("type", eventType),
			zap.Error(err),
		)
		metrics.WebhookEvents.WithLabelValues(eventType, resultError).Inc()
		response.Error(c, apperrors.Wrap(err, "webhook processing failed"))
		return
	}

	metrics.WebhookEvents.WithLabelValues(eventType, result).Inc()
	response.Success(c, http.StatusOK, gin.H{"received": true})
}

func (p *Processor) handleEvent(c *gin.Context, event *stripe.Event) (string, error) {
	handler, ok := p.handlers[event.Type]
	if !ok {
		p.log.Info("webhook event type ignored",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
		)
		return resultIgnored, nil
	}
	return handler(c, event)
}

func (p *Processor) handleCheckoutCompleted(c *gin.Context, event *stripe.Event) (string, error) {
	ctx := c.Request.Context()

	var session CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return resultError, fmt.Errorf("decode checkout session: %w", err)
	}

	if session.Mode != "subscription" || session.Subscription == "" {
		p.log.Info("checkout session without subscription, ignoring", zap.String("session_id", session.ID))
		return resultIgnored, nil
	}
	email := session.Email()
	if email == "" {
		// Retrying cannot conjure an email the event never carried.
		p.log.Warn("checkout session without customer email, ignoring", zap.String("session_id", session.ID))
		return resultIgnored, nil
	}

	license, created, err := p.licenses.CreateFromCheckout(ctx, email, session.Customer, session.Subscription, session.Plan(), time.Time{})
	if err != nil {
		return resultError, err
	}
	if created {
		p.log.Info("license issued from checkout",
			zap.String("subscription_id", session.Subscription),
			zap.String("plan", license.Plan),
		)
	}

	if _, err := p.referrals.ConvertReferral(ctx, email, session.Subscription); err != nil {
		return resultError, err
	}
	return resultProcessed, nil
}

func (p *Processor) handleSubscriptionChanged(c *gin.Context, event *stripe.Event) (string, error) {
	var sub Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return resultError, fmt.Errorf("decode subscription: %w", err)
	}

	periodEnd := time.Time{}
	if unix := sub.PeriodEnd(); unix > 0 {
		periodEnd = time.Unix(unix, 0).UTC()
	}

	_, err := p.licenses.SyncSubscriptionStatus(c.Request.Context(), sub.ID, sub.Status, periodEnd)
	if errors.Is(err, services.ErrLicenseNotFound) {
		// subscription.created routinely arrives before the checkout event
		// that mints the license; the checkout handler sets the final state.
		p.log.Info("subscription event before license issuance, ignoring", zap.String("subscription_id", sub.ID))
		return resultIgnored, nil
	}
	if err != nil {
		return resultError, err
	}
	return resultProcessed, nil
}

func (p *Processor) handleSubscriptionDeleted(c *gin.Context, event *stripe.Event) (string, error) {
	var sub Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return resultError, fmt.Errorf("decode subscription: %w", err)
	}

	_, err := p.licenses.CancelSubscription(c.Request.Context(), sub.ID)
	if errors.Is(err, services.ErrLicenseNotFound) {
		p.log.Warn("subscription deleted for unknown license", zap.String("subscription_id", sub.ID))
		return resultIgnored, nil
	}
	if err != nil {
		return resultError, err
	}
	return resultProcessed, nil
}

func (p *Processor) handleInvoicePaid(c *gin.Context, event *stripe.Event) (string, error) {
	ctx := c.Request.Context()

	var invoice Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return resultError, fmt.Errorf("decode invoice: %w", err)
	}

	email := strings.TrimSpace(invoice.CustomerEmail)
	subscriptionID := invoice.SubscriptionID()

	if email == "" && subscriptionID != "" {
		var license models.License
		err := p.db.WithContext(ctx).Where("stripe_subscription_id = ?", subscriptionID).First(&license).Error
		if err == nil {
			email = license.Email
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return resultError, fmt.Errorf("billing: resolve invoice email: %w", err)
		}
	}
	if email == "" {
		p.log.Warn("invoice without resolvable customer email, ignoring", zap.String("invoice_id", invoice.ID))
		return resultIgnored, nil
	}

	// A lost checkout event must not strand the referral in pending forever;
	// a paid invoice is equally good evidence of conversion.
	if subscriptionID != "" {
		if _, err := p.referrals.ConvertReferral(ctx, email, subscriptionID); err != nil {
			return resultError, err
		}
	}

	reward, err := p.referrals.ProcessReferralReward(ctx, email, invoice.ID, invoice.AmountPaid)
	if err != nil {
		return resultError, err
	}
	if reward == nil {
		return resultIgnored, nil
	}
	return resultProcessed, nil
}
