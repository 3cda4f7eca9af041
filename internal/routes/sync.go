package routes

import (
	"net/http"
	"strconv"

	"race-sync/internal/coordinator"
	"race-sync/internal/models"

	"github.com/gin-gonic/gin"
)

type submitEntryRequest struct {
	RaceID     string        `json:"raceId"`
	Entry      *models.Entry `json:"entry"`
	DeviceID   string        `json:"deviceId"`
	DeviceName string        `json:"deviceName"`
}

type submitEntryResponse struct {
	Success bool `json:"success"`
	*coordinator.SubmitResult
}

type deleteEntryRequest struct {
	RaceID   string `json:"raceId" form:"raceId"`
	EntryID  int64  `json:"entryId" form:"entryId"`
	DeviceID string `json:"deviceId" form:"deviceId"`
}

func deviceFromQuery(c *gin.Context) coordinator.Device {
	return coordinator.Device{
		ID:   c.Query("deviceId"),
		Name: c.Query("deviceName"),
	}
}

// SyncRoutes serves the entry sync endpoint.
func SyncRoutes(r *gin.RouterGroup) {
	r.GET("/sync", func(c *gin.Context) {
		svc := services(c).Coordinator
		ctx := c.Request.Context()
		raceID := c.Query("raceId")

		if checkOnly, _ := strconv.ParseBool(c.Query("checkOnly")); checkOnly {
			exists, err := svc.CheckRaceExists(ctx, raceID)
			if err != nil {
				AbortWithError(c, err)
				return
			}
			c.JSON(http.StatusOK, exists)
			return
		}

		state, err := svc.GetEntries(ctx, raceID, deviceFromQuery(c))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, state)
	})

	r.POST("/sync", func(c *gin.Context) {
		svc := services(c).Coordinator

		var req submitEntryRequest
		if !bindJSON(c, &req) {
			return
		}
		if req.Entry == nil {
			AbortWithError(c, &models.ValidationError{Field: "entry", Reason: "entry is required"})
			return
		}

		dev := coordinator.Device{ID: req.DeviceID, Name: req.DeviceName}
		result, err := svc.SubmitEntry(c.Request.Context(), req.RaceID, *req.Entry, dev)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, submitEntryResponse{Success: true, SubmitResult: result})
	})

	r.DELETE("/sync", RequireManagement(), func(c *gin.Context) {
		svc := services(c).Coordinator

		var req deleteEntryRequest
		if c.Request.ContentLength > 0 {
			if !bindJSON(c, &req) {
				return
			}
		} else if err := c.ShouldBindQuery(&req); err != nil {
			AbortWithHTTPError(c, http.StatusBadRequest, err, "Invalid query: "+err.Error(), "INVALID_REQUEST")
			return
		}

		deleted, err := svc.DeleteEntry(c.Request.Context(), req.RaceID, req.EntryID, req.DeviceID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted})
	})
}
