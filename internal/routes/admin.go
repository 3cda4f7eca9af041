package routes

import (
	"log/slog"
	"net/http"

	"race-sync/internal/config"
	"race-sync/internal/models"
	"race-sync/internal/utils"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"
)

type raceSummary struct {
	RaceID      string `json:"raceId"`
	EntryCount  int    `json:"entryCount"`
	FaultCount  int    `json:"faultCount"`
	LastUpdated int64  `json:"lastUpdated"`
	ExpiresAt   int64  `json:"expiresAt"`
}

type pinRequest struct {
	Pin string `json:"pin"`
}

// AdminRoutes registers the management endpoints. Callers must put
// RequireManagement in front of the group.
func AdminRoutes(r *gin.RouterGroup) {
	r.GET("/races", func(c *gin.Context) {
		races, err := services(c).Coordinator.ListRaces(c.Request.Context())
		if err != nil {
			AbortWithError(c, err)
			return
		}

		summaries := make([]raceSummary, 0, len(races))
		for _, race := range races {
			summaries = append(summaries, raceSummary{
				RaceID:      race.ID,
				EntryCount:  race.EntryCount,
				FaultCount:  race.FaultCount,
				LastUpdated: race.LastUpdated.UnixMilli(),
				ExpiresAt:   race.ExpiresAt.UnixMilli(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"races": summaries})
	})

	r.DELETE("/races/:raceId", func(c *gin.Context) {
		if err := services(c).Coordinator.DeleteRace(c.Request.Context(), c.Param("raceId")); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	r.GET("/races/:raceId/duplicates", func(c *gin.Context) {
		groups, err := services(c).Coordinator.FindDuplicates(c.Request.Context(), c.Param("raceId"))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"duplicates": groups})
	})

	// Join link for a race, as JSON or as a QR code image.
	r.GET("/races/:raceId/join", func(c *gin.Context) {
		link, ok := joinURL(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": link})
	})

	r.GET("/races/:raceId/qr", func(c *gin.Context) {
		link, ok := joinURL(c)
		if !ok {
			return
		}

		qr, err := qrcode.Encode(link, qrcode.Medium, config.QR_IMAGE_SIZE)
		if err != nil {
			slog.Debug("Error generating QR code", "error", err)
			AbortWithError(c, err)
			return
		}
		c.Data(http.StatusOK, "image/png", qr)
	})

	r.PUT("/pin", func(c *gin.Context) {
		var req pinRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := services(c).Pins.Set(c.Request.Context(), req.Pin); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "pinSet": req.Pin != ""})
	})
}

func joinURL(c *gin.Context) (string, bool) {
	raceID, err := models.NormalizeRaceID(c.Param("raceId"))
	if err != nil {
		AbortWithError(c, err)
		return "", false
	}
	base := utils.GetBaseURL(c, services(c).Config.BaseURL)
	return utils.JoinURL(base, raceID), true
}
