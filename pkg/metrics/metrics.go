package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WaitlistSignups counts signup attempts by result (created|duplicate|error).
	WaitlistSignups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_waitlist_signups_total",
			Help: "Total number of waitlist signup attempts",
		},
		[]string{"result"},
	)

	// EmailVerifications counts verification attempts by result (success|invalid|expired).
	EmailVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_email_verifications_total",
			Help: "Total number of email verification attempts",
		},
		[]string{"result"},
	)

	// WebhookEvents counts billing webhook deliveries by type and outcome
	// (processed|duplicate|error|ignored).
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_webhook_events_total",
			Help: "Total number of billing webhook deliveries",
		},
		[]string{"type", "result"},
	)

	// RewardsAccrued sums monetary referral rewards in cents.
	RewardsAccrued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_referral_rewards_cents_total",
			Help: "Total referral reward amount accrued, in cents",
		},
	)

	// LicenseActivations counts activation attempts by result (created|refreshed|rejected).
	LicenseActivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_license_activations_total",
			Help: "Total number of license activation attempts",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
