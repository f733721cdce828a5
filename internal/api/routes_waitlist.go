package api

import (
	"github.com/gin-gonic/gin"

	"github.com/meridianos/meridian/internal/handlers"
	"github.com/meridianos/meridian/internal/services"
)

func registerWaitlistRoutes(api *gin.RouterGroup, service *services.WaitlistService) error {
	handler, err := handlers.NewWaitlistHandler(service)
	if err != nil {
		return err
	}

	waitlist := api.Group("/waitlist")
	{
		waitlist.POST("/signup", handler.Signup)
		waitlist.POST("/verify", handler.Verify)
		waitlist.POST("/resend", handler.Resend)
		waitlist.POST("/events", handler.RecordEvent)
		waitlist.GET("/status/:code", handler.Status)
	}

	return nil
}
