package api

import (
	"github.com/gin-gonic/gin"

	ghstats "github.com/meridianos/meridian/internal/github"
	"github.com/meridianos/meridian/internal/handlers"
)

func registerGitHubRoutes(api *gin.RouterGroup, client *ghstats.Client) error {
	// The stats proxy is optional: without a configured repository the
	// endpoint is simply absent.
	if client == nil {
		return nil
	}

	handler, err := handlers.NewGitHubHandler(client)
	if err != nil {
		return err
	}

	api.GET("/github/stats", handler.Stats)
	return nil
}
