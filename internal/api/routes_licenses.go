package api

import (
	"github.com/gin-gonic/gin"

	"github.com/meridianos/meridian/internal/handlers"
	"github.com/meridianos/meridian/internal/services"
)

func registerLicenseRoutes(api *gin.RouterGroup, service *services.LicenseService) error {
	handler, err := handlers.NewLicenseHandler(service)
	if err != nil {
		return err
	}

	licenses := api.Group("/licenses")
	{
		licenses.POST("/validate", handler.Validate)
		licenses.POST("/activate", handler.Activate)
		licenses.POST("/deactivate", handler.Deactivate)
	}

	return nil
}
