package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianos/meridian/internal/services"
	apperrors "github.com/meridianos/meridian/pkg/errors"
	"github.com/meridianos/meridian/pkg/response"
)

// LicenseHandler exposes license validation and activation endpoints used by
// the installer and the in-OS updater.
type LicenseHandler struct {
	service *services.LicenseService
}

// NewLicenseHandler constructs a license handler.
func NewLicenseHandler(service *services.LicenseService) (*LicenseHandler, error) {
	if service == nil {
		return nil, errors.New("handlers: license service is required")
	}
	return &LicenseHandler{service: service}, nil
}

type licenseRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=8"`
	MachineID  string `json:"machine_id" validate:"required,min=8,max=128"`
	Hostname   string `json:"hostname" validate:"omitempty,max=255"`
}

type validateResponse struct {
	Valid                bool   `json:"valid"`
	Status               string `json:"status"`
	Plan                 string `json:"plan"`
	Activated            bool   `json:"activated"`
	MaxSystems           int    `json:"max_systems"`
	RemainingActivations int    `json:"remaining_activations"`
	ExpiresAt            string `json:"expires_at"`
}

// Validate handles POST /api/licenses/validate.
func (h *LicenseHandler) Validate(c *gin.Context) {
	var req licenseRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.service.Validate(c.Request.Context(), req.LicenseKey, req.MachineID)
	if err != nil {
		response.Error(c, mapLicenseError(err))
		return
	}

	response.Success(c, http.StatusOK, validateResponse{
		Valid:                result.Valid,
		Status:               result.License.Status,
		Plan:                 result.License.Plan,
		Activated:            result.Activated,
		MaxSystems:           result.License.MaxSystems,
		RemainingActivations: result.RemainingActivations,
		ExpiresAt:            result.License.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

// Activate handles POST /api/licenses/activate.
func (h *LicenseHandler) Activate(c *gin.Context) {
	var req licenseRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.service.Activate(c.Request.Context(), req.LicenseKey, req.MachineID, req.Hostname)
	if err != nil {
		response.Error(c, mapLicenseError(err))
		return
	}

	status := http.StatusCreated
	if result.Refreshed {
		status = http.StatusOK
	}
	response.Success(c, status, gin.H{
		"activated":             true,
		"refreshed":             result.Refreshed,
		"remaining_activations": result.RemainingActivations,
	})
}

// Deactivate handles POST /api/licenses/deactivate.
func (h *LicenseHandler) Deactivate(c *gin.Context) {
	var req licenseRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.service.Deactivate(c.Request.Context(), req.LicenseKey, req.MachineID); err != nil {
		response.Error(c, mapLicenseError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deactivated": true})
}

func mapLicenseError(err error) error {
	var maxErr *services.MaxActivationsError
	switch {
	case errors.Is(err, services.ErrLicenseNotFound):
		return apperrors.NewNotFound("license key not found")
	case errors.Is(err, services.ErrLicenseExpired):
		return apperrors.ErrLicenseExpired
	case errors.Is(err, services.ErrLicenseNotActive):
		return apperrors.New("LICENSE_NOT_ACTIVE", "license is suspended or cancelled", http.StatusForbidden)
	case errors.Is(err, services.ErrActivationNotFound):
		return apperrors.NewNotFound("no activation found for this machine")
	case errors.As(err, &maxErr):
		return apperrors.NewConflict(fmt.Sprintf(
			"maximum activations reached (%d of %d); deactivate another system first",
			maxErr.Current, maxErr.Limit))
	default:
		return err
	}
}
