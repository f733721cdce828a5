package billing

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"

	"github.com/meridianos/meridian/internal/database/testutil"
	"github.com/meridianos/meridian/internal/models"
	"github.com/meridianos/meridian/internal/services"
)

const testSecret = "whsec_test_secret"

type webhookFixture struct {
	db        *gorm.DB
	router    *gin.Engine
	licenses  *services.LicenseService
	referrals *services.ReferralService
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t)

	licenses, err := services.NewLicenseService(db, nil, func() (string, error) {
		return fmt.Sprintf("MER-TEST-%d", time.Now().UnixNano()), nil
	})
	require.NoError(t, err)

	referrals, err := services.NewReferralService(db)
	require.NoError(t, err)

	processor, err := NewProcessor(db, licenses, referrals, testSecret)
	require.NoError(t, err)

	router := gin.New()
	router.POST("/api/webhooks/stripe", processor.Handle)

	return &webhookFixture{db: db, router: router, licenses: licenses, referrals: referrals}
}

func (f *webhookFixture) deliver(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func checkoutEvent(eventID, subscriptionID, email string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"mode": "subscription",
			"customer": "cus_1",
			"subscription": %q,
			"customer_details": {"email": %q},
			"metadata": {"plan": "family"}
		}}
	}`, eventID, subscriptionID, email)
}

func TestWebhook_RejectsUnsignedPayload(t *testing.T) {
	f := newWebhookFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe",
		bytes.NewReader([]byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`)))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe",
		bytes.NewReader([]byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=bogus")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Nothing was recorded or processed.
	var count int64
	require.NoError(t, f.db.Model(&models.WebhookEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestWebhook_MissingSecretFailsClosed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := testutil.MustOpenTestDB(t)

	licenses, err := services.NewLicenseService(db, nil, func() (string, error) { return "MER-X", nil })
	require.NoError(t, err)
	referrals, err := services.NewReferralService(db)
	require.NoError(t, err)

	processor, err := NewProcessor(db, licenses, referrals, "")
	require.NoError(t, err)

	router := gin.New()
	router.POST("/api/webhooks/stripe", processor.Handle)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhook_CheckoutIssuesLicenseAndConvertsReferral(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := t.Context()

	referrer, err := f.referrals.RegisterReferrer(ctx, "affiliate@example.com")
	require.NoError(t, err)
	_, err = f.referrals.TrackReferral(ctx, referrer.ReferralCode, "buyer@example.com")
	require.NoError(t, err)

	rec := f.deliver(t, checkoutEvent("evt_checkout_1", "sub_1", "buyer@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)

	var license models.License
	require.NoError(t, f.db.Where("stripe_subscription_id = ?", "sub_1").First(&license).Error)
	require.Equal(t, "buyer@example.com", license.Email)
	require.Equal(t, "family", license.Plan)
	require.Equal(t, 5, license.MaxSystems)
	require.Equal(t, models.LicenseActive, license.Status)

	var referral models.Referral
	require.NoError(t, f.db.Where("referred_email = ?", "buyer@example.com").First(&referral).Error)
	require.Equal(t, models.ReferralActive, referral.Status)
	require.Equal(t, "sub_1", referral.StripeSubscriptionID)
}

func TestWebhook_DuplicateDeliveryAcknowledgedOnce(t *testing.T) {
	f := newWebhookFixture(t)

	payload := checkoutEvent("evt_checkout_dup", "sub_1", "buyer@example.com")

	rec := f.deliver(t, payload)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.deliver(t, payload)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"duplicate":true`)

	var licenses int64
	require.NoError(t, f.db.Model(&models.License{}).Count(&licenses).Error)
	require.Equal(t, int64(1), licenses)

	var events int64
	require.NoError(t, f.db.Model(&models.WebhookEvent{}).Count(&events).Error)
	require.Equal(t, int64(1), events)
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.deliver(t, checkoutEvent("evt_checkout_1", "sub_1", "buyer@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)

	periodEnd := time.Now().AddDate(0, 1, 0).Unix()
	rec = f.deliver(t, fmt.Sprintf(`{
		"id": "evt_sub_past_due",
		"object": "event",
		"type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_1", "customer": "cus_1", "status": "past_due", "current_period_end": %d}}
	}`, periodEnd))
	require.Equal(t, http.StatusOK, rec.Code)

	var license models.License
	require.NoError(t, f.db.Where("stripe_subscription_id = ?", "sub_1").First(&license).Error)
	require.Equal(t, models.LicenseSuspended, license.Status)
	require.Equal(t, periodEnd, license.ExpiresAt.Unix())

	rec = f.deliver(t, `{
		"id": "evt_sub_deleted",
		"object": "event",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_1", "customer": "cus_1", "status": "canceled"}}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, f.db.Where("stripe_subscription_id = ?", "sub_1").First(&license).Error)
	require.Equal(t, models.LicenseCancelled, license.Status)

	// A late "active" replay cannot resurrect the cancelled license.
	rec = f.deliver(t, `{
		"id": "evt_sub_late_active",
		"object": "event",
		"type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_1", "customer": "cus_1", "status": "active"}}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, f.db.Where("stripe_subscription_id = ?", "sub_1").First(&license).Error)
	require.Equal(t, models.LicenseCancelled, license.Status)
}

func TestWebhook_SubscriptionEventBeforeLicenseIgnored(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.deliver(t, `{
		"id": "evt_sub_early",
		"object": "event",
		"type": "customer.subscription.created",
		"data": {"object": {"id": "sub_unseen", "customer": "cus_1", "status": "active"}}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhook_InvoicePaidAccruesRewardOnce(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := t.Context()

	referrer, err := f.referrals.RegisterReferrer(ctx, "affiliate@example.com")
	require.NoError(t, err)
	_, err = f.referrals.TrackReferral(ctx, referrer.ReferralCode, "buyer@example.com")
	require.NoError(t, err)

	rec := f.deliver(t, checkoutEvent("evt_checkout_1", "sub_1", "buyer@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)

	invoice := func(eventID string) string {
		return fmt.Sprintf(`{
			"id": %q,
			"object": "event",
			"type": "invoice.paid",
			"data": {"object": {
				"id": "in_100",
				"customer": "cus_1",
				"customer_email": "buyer@example.com",
				"subscription": "sub_1",
				"amount_paid": 1999,
				"currency": "usd"
			}}
		}`, eventID)
	}

	rec = f.deliver(t, invoice("evt_invoice_1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var reloaded models.Referrer
	require.NoError(t, f.db.Where("id = ?", referrer.ID).First(&reloaded).Error)
	require.Equal(t, int64(199), reloaded.PendingPayout)

	// Same invoice under a fresh event id: the reward ledger, not the event
	// dedup table, is what prevents double payment here.
	rec = f.deliver(t, invoice("evt_invoice_1_retry"))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, f.db.Where("id = ?", referrer.ID).First(&reloaded).Error)
	require.Equal(t, int64(199), reloaded.PendingPayout)

	var rewards int64
	require.NoError(t, f.db.Model(&models.ReferralReward{}).Count(&rewards).Error)
	require.Equal(t, int64(1), rewards)
}

func TestWebhook_InvoiceEmailResolvedFromLicense(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := t.Context()

	referrer, err := f.referrals.RegisterReferrer(ctx, "affiliate@example.com")
	require.NoError(t, err)
	_, err = f.referrals.TrackReferral(ctx, referrer.ReferralCode, "buyer@example.com")
	require.NoError(t, err)

	rec := f.deliver(t, checkoutEvent("evt_checkout_1", "sub_1", "buyer@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.deliver(t, `{
		"id": "evt_invoice_no_email",
		"object": "event",
		"type": "invoice.paid",
		"data": {"object": {
			"id": "in_200",
			"customer": "cus_1",
			"subscription": "sub_1",
			"amount_paid": 2500
		}}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var reloaded models.Referrer
	require.NoError(t, f.db.Where("id = ?", referrer.ID).First(&reloaded).Error)
	require.Equal(t, int64(250), reloaded.PendingPayout)
}

func TestWebhook_UnknownEventTypeAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.deliver(t, `{
		"id": "evt_other",
		"object": "event",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_1"}}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Ignored events are still deduplicated.
	var events int64
	require.NoError(t, f.db.Model(&models.WebhookEvent{}).Count(&events).Error)
	require.Equal(t, int64(1), events)
}
