package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/meridianos/meridian/internal/app"
	"github.com/meridianos/meridian/internal/billing"
	ghstats "github.com/meridianos/meridian/internal/github"
	"github.com/meridianos/meridian/internal/handlers"
	"github.com/meridianos/meridian/internal/middleware"
	"github.com/meridianos/meridian/internal/services"
)

// Dependencies carries the constructed services the router mounts.
type Dependencies struct {
	Waitlist  *services.WaitlistService
	Referrals *services.ReferralService
	Licenses  *services.LicenseService
	Webhooks  *billing.Processor
	GitHub    *ghstats.Client
	RateStore middleware.RateStore
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(db *gorm.DB, cfg *app.Config, deps Dependencies) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Waitlist == nil || deps.Referrals == nil || deps.Licenses == nil {
		return nil, fmt.Errorf("waitlist, referral and license services must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())
	if cfg.Server.RateLimit.Enabled {
		r.Use(middleware.RateLimitWithStore(deps.RateStore, cfg.Server.RateLimit.MaxRequests, cfg.Server.RateLimit.Window))
	}

	r.GET("/health", handlers.Health(db))

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")

	if err := registerWaitlistRoutes(api, deps.Waitlist); err != nil {
		return nil, err
	}
	if err := registerReferralRoutes(api, cfg, deps.Referrals); err != nil {
		return nil, err
	}
	if err := registerLicenseRoutes(api, deps.Licenses); err != nil {
		return nil, err
	}
	if err := registerGitHubRoutes(api, deps.GitHub); err != nil {
		return nil, err
	}
	registerWebhookRoutes(api, deps.Webhooks)

	return r, nil
}
