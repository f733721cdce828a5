package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	ghstats "github.com/meridianos/meridian/internal/github"
	apperrors "github.com/meridianos/meridian/pkg/errors"
	"github.com/meridianos/meridian/pkg/response"
)

// GitHubHandler proxies repository statistics for the landing page.
type GitHubHandler struct {
	client *ghstats.Client
}

// NewGitHubHandler constructs a GitHub stats handler.
func NewGitHubHandler(client *ghstats.Client) (*GitHubHandler, error) {
	if client == nil {
		return nil, errors.New("handlers: github client is required")
	}
	return &GitHubHandler{client: client}, nil
}

// Stats handles GET /api/github/stats. Responses served from cache carry
// cached/using_fallback flags so the frontend can show degraded data honestly.
func (h *GitHubHandler) Stats(c *gin.Context) {
	result, err := h.client.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, apperrors.New("UPSTREAM_UNAVAILABLE", "GitHub statistics are temporarily unavailable", http.StatusBadGateway))
		return
	}

	response.Success(c, http.StatusOK, result)
}
