package routes

import (
	"net/http"

	"race-sync/internal/coordinator"
	"race-sync/internal/models"

	"github.com/gin-gonic/gin"
)

type submitFaultRequest struct {
	RaceID     string             `json:"raceId"`
	Fault      *models.FaultEntry `json:"fault"`
	DeviceID   string             `json:"deviceId"`
	DeviceName string             `json:"deviceName"`
}

type submitFaultResponse struct {
	Success bool `json:"success"`
	*coordinator.FaultResult
}

// FaultRoutes serves gate judge fault sync.
func FaultRoutes(r *gin.RouterGroup) {
	r.GET("/faults", func(c *gin.Context) {
		svc := services(c).Coordinator

		state, err := svc.GetFaults(c.Request.Context(), c.Query("raceId"), deviceFromQuery(c))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, state)
	})

	r.POST("/faults", func(c *gin.Context) {
		svc := services(c).Coordinator

		var req submitFaultRequest
		if !bindJSON(c, &req) {
			return
		}
		if req.Fault == nil {
			AbortWithError(c, &models.ValidationError{Field: "fault", Reason: "fault is required"})
			return
		}

		dev := coordinator.Device{ID: req.DeviceID, Name: req.DeviceName}
		result, err := svc.SubmitFault(c.Request.Context(), req.RaceID, *req.Fault, dev)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, submitFaultResponse{Success: true, FaultResult: result})
	})
}
