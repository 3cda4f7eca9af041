package routes

import (
	"net/http"

	"race-sync/internal/utils"

	"github.com/gin-gonic/gin"
)

func Health(r *gin.RouterGroup) {
	r.GET("/health", func(c *gin.Context) {
		msg := c.Query("ping")
		if msg == "" {
			msg = "pong"
		}

		c.JSON(http.StatusOK, gin.H{
			"message": msg,
			"version": utils.GetVersion(),
		})
	})

	// Settings a device needs before it starts syncing
	r.GET("/config", func(c *gin.Context) {
		cfg := services(c).Config
		c.JSON(http.StatusOK, gin.H{
			"maxEntriesPerRace": cfg.Sync.MaxEntriesPerRace,
			"maxFaultsPerRace":  cfg.Sync.MaxFaultsPerRace,
			"maxPhotoBytes":     cfg.Sync.MaxPhotoBytes,
			"presenceTimeout":   cfg.Sync.PresenceTimeout.Milliseconds(),
			"pollInterval":      cfg.Client.PollInterval.Milliseconds(),
			"supportUrl":        cfg.SupportURL,
		})
	})
}
