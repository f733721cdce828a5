package api

import (
	"github.com/gin-gonic/gin"

	"github.com/meridianos/meridian/internal/app"
	"github.com/meridianos/meridian/internal/handlers"
	"github.com/meridianos/meridian/internal/middleware"
	"github.com/meridianos/meridian/internal/services"
)

func registerReferralRoutes(api *gin.RouterGroup, cfg *app.Config, service *services.ReferralService) error {
	handler, err := handlers.NewReferralHandler(service)
	if err != nil {
		return err
	}

	referrals := api.Group("/referrals")
	{
		referrals.POST("/register", handler.Register)
		referrals.POST("/track", handler.Track)
		referrals.GET("/:code/stats", handler.Stats)
	}

	admin := api.Group("/admin")
	admin.Use(middleware.AdminKey(cfg.Server.AdminKey))
	{
		admin.POST("/referrals/expire", handler.ExpireNow)
	}

	return nil
}
