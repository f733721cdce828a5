package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianos/meridian/internal/models"
	"github.com/meridianos/meridian/internal/services"
	apperrors "github.com/meridianos/meridian/pkg/errors"
	"github.com/meridianos/meridian/pkg/metrics"
	"github.com/meridianos/meridian/pkg/response"
)

// WaitlistHandler exposes the waitlist signup, verification and status endpoints.
type WaitlistHandler struct {
	service *services.WaitlistService
}

// NewWaitlistHandler constructs a waitlist handler.
func NewWaitlistHandler(service *services.WaitlistService) (*WaitlistHandler, error) {
	if service == nil {
		return nil, errors.New("handlers: waitlist service is required")
	}
	return &WaitlistHandler{service: service}, nil
}

type signupRequest struct {
	Email        string `json:"email" validate:"required,email"`
	ReferralCode string `json:"referral_code" validate:"omitempty,len=8"`
}

type signupResponse struct {
	ReferralCode      string `json:"referral_code"`
	Position          int    `json:"position"`
	TotalWaitlist     int64  `json:"total_waitlist"`
	AlreadyRegistered bool   `json:"already_registered"`
}

// Signup handles POST /api/waitlist/signup.
func (h *WaitlistHandler) Signup(c *gin.Context) {
	var req signupRequest
	if !bindAndValidate(c, &req) {
		metrics.WaitlistSignups.WithLabelValues("error").Inc()
		return
	}

	result, err := h.service.Signup(c.Request.Context(), req.Email, req.ReferralCode)
	if err != nil {
		metrics.WaitlistSignups.WithLabelValues("error").Inc()
		response.Error(c, mapWaitlistError(err))
		return
	}

	status := http.StatusCreated
	if result.AlreadyRegistered {
		status = http.StatusOK
		metrics.WaitlistSignups.WithLabelValues("duplicate").Inc()
	} else {
		metrics.WaitlistSignups.WithLabelValues("created").Inc()
	}

	response.Success(c, status, signupResponse{
		ReferralCode:      result.Entry.ReferralCode,
		Position:          result.Entry.CurrentPosition,
		TotalWaitlist:     result.TotalWaitlist,
		AlreadyRegistered: result.AlreadyRegistered,
	})
}

type verifyRequest struct {
	Token string `json:"token" validate:"required"`
}

// Verify handles POST /api/waitlist/verify. An expired token answers 410, a
// token that never existed 404; the client can only recover from the former.
func (h *WaitlistHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if !bindAndValidate(c, &req) {
		return
	}

	entry, err := h.service.Verify(c.Request.Context(), req.Token)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrVerificationExpired):
			metrics.EmailVerifications.WithLabelValues("expired").Inc()
		default:
			metrics.EmailVerifications.WithLabelValues("invalid").Inc()
		}
		response.Error(c, mapWaitlistError(err))
		return
	}

	metrics.EmailVerifications.WithLabelValues("success").Inc()
	response.Success(c, http.StatusOK, gin.H{
		"referral_code": entry.ReferralCode,
		"position":      entry.CurrentPosition,
	})
}

type resendRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// Resend handles POST /api/waitlist/resend, reissuing a verification token.
func (h *WaitlistHandler) Resend(c *gin.Context) {
	var req resendRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.service.ReissueVerification(c.Request.Context(), req.Email); err != nil {
		response.Error(c, mapWaitlistError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"sent": true})
}

type statusResponse struct {
	ReferralCode      string   `json:"referral_code"`
	OriginalPosition  int      `json:"original_position"`
	CurrentPosition   int      `json:"current_position"`
	TotalWaitlist     int64    `json:"total_waitlist"`
	EmailVerified     bool     `json:"email_verified"`
	TotalReferrals    int      `json:"total_referrals"`
	VerifiedReferrals int      `json:"verified_referrals"`
	CurrentTier       string   `json:"current_tier"`
	Perks             []string `json:"perks"`
}

// Status handles GET /api/waitlist/status/:code.
func (h *WaitlistHandler) Status(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("code"))
	if err != nil {
		response.Error(c, mapWaitlistError(err))
		return
	}

	response.Success(c, http.StatusOK, statusResponse{
		ReferralCode:      status.Entry.ReferralCode,
		OriginalPosition:  status.Entry.OriginalPosition,
		CurrentPosition:   status.Entry.CurrentPosition,
		TotalWaitlist:     status.TotalWaitlist,
		EmailVerified:     status.Entry.EmailVerified,
		TotalReferrals:    status.Entry.TotalReferrals,
		VerifiedReferrals: status.Entry.VerifiedReferrals,
		CurrentTier:       status.Entry.CurrentTier,
		Perks:             status.Perks,
	})
}

type eventRequest struct {
	ReferralCode string `json:"referral_code" validate:"required,len=8"`
	EventType    string `json:"event_type" validate:"required,oneof=click shared badge_view"`
	Source       string `json:"source" validate:"omitempty,max=64"`
}

// RecordEvent handles POST /api/waitlist/events.
func (h *WaitlistHandler) RecordEvent(c *gin.Context) {
	var req eventRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.service.RecordEvent(c.Request.Context(), req.ReferralCode, req.EventType, req.Source); err != nil {
		response.Error(c, mapWaitlistError(err))
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"recorded": true})
}

func mapWaitlistError(err error) error {
	switch {
	case errors.Is(err, services.ErrEntryNotFound):
		return apperrors.NewNotFound("waitlist entry not found")
	case errors.Is(err, services.ErrVerificationNotFound):
		return apperrors.NewNotFound("verification token not found")
	case errors.Is(err, services.ErrVerificationExpired):
		return apperrors.ErrTokenExpired
	case errors.Is(err, services.ErrAlreadyVerified):
		return apperrors.NewConflict("email is already verified")
	case errors.Is(err, services.ErrUnknownEventType):
		return apperrors.NewBadRequest("unknown event type; expected " +
			models.EventClick + ", " + models.EventShared + " or " + models.EventBadgeView)
	default:
		return err
	}
}
