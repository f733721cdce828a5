package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianos/meridian/internal/services"
	apperrors "github.com/meridianos/meridian/pkg/errors"
	"github.com/meridianos/meridian/pkg/response"
)

// ReferralHandler exposes the monetary affiliate program endpoints.
type ReferralHandler struct {
	service *services.ReferralService
}

// NewReferralHandler constructs a referral handler.
func NewReferralHandler(service *services.ReferralService) (*ReferralHandler, error) {
	if service == nil {
		return nil, errors.New("handlers: referral service is required")
	}
	return &ReferralHandler{service: service}, nil
}

type registerReferrerRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// Register handles POST /api/referrals/register.
func (h *ReferralHandler) Register(c *gin.Context) {
	var req registerReferrerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	referrer, err := h.service.RegisterReferrer(c.Request.Context(), req.Email)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"referral_code": referrer.ReferralCode,
	})
}

type trackReferralRequest struct {
	ReferralCode string `json:"referral_code" validate:"required,len=8"`
	Email        string `json:"email" validate:"required,email"`
}

// Track handles POST /api/referrals/track.
func (h *ReferralHandler) Track(c *gin.Context) {
	var req trackReferralRequest
	if !bindAndValidate(c, &req) {
		return
	}

	referral, err := h.service.TrackReferral(c.Request.Context(), req.ReferralCode, req.Email)
	if err != nil {
		response.Error(c, mapReferralError(err))
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"status":     referral.Status,
		"tracked_at": referral.TrackedAt,
		"expires_at": referral.ExpiresAt,
	})
}

type referrerStatsResponse struct {
	ReferralCode    string `json:"referral_code"`
	TotalReferrals  int64  `json:"total_referrals"`
	ActiveReferrals int64  `json:"active_referrals"`
	RewardCount     int64  `json:"reward_count"`
	TotalEarnings   int64  `json:"total_earnings_cents"`
	PendingPayout   int64  `json:"pending_payout_cents"`
}

// Stats handles GET /api/referrals/:code/stats.
func (h *ReferralHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), c.Param("code"))
	if err != nil {
		response.Error(c, mapReferralError(err))
		return
	}

	response.Success(c, http.StatusOK, referrerStatsResponse{
		ReferralCode:    stats.Referrer.ReferralCode,
		TotalReferrals:  stats.TotalReferrals,
		ActiveReferrals: stats.ActiveReferrals,
		RewardCount:     stats.RewardCount,
		TotalEarnings:   stats.Referrer.TotalEarnings,
		PendingPayout:   stats.Referrer.PendingPayout,
	})
}

// ExpireNow handles POST /api/admin/referrals/expire, the manual trigger for
// the sweep the hourly job runs anyway.
func (h *ReferralHandler) ExpireNow(c *gin.Context) {
	expired, err := h.service.ExpireOldReferrals(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"expired": expired})
}

func mapReferralError(err error) error {
	switch {
	case errors.Is(err, services.ErrReferrerNotFound):
		return apperrors.NewNotFound("referral code not found")
	case errors.Is(err, services.ErrAlreadyAttributed):
		return apperrors.NewConflict("email is already attributed to a referrer")
	default:
		return err
	}
}
