package api

import (
	"github.com/gin-gonic/gin"

	"github.com/meridianos/meridian/internal/billing"
)

func registerWebhookRoutes(api *gin.RouterGroup, processor *billing.Processor) {
	if processor == nil {
		return
	}

	api.POST("/webhooks/stripe", processor.Handle)
}
