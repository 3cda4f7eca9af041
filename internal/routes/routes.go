package routes

import (
	"race-sync/internal/auth"
	"race-sync/internal/config"
	"race-sync/internal/coordinator"
	"race-sync/internal/jwt"

	"github.com/gin-gonic/gin"
)

const servicesKey = "Services"

// Services are the dependencies handlers pull from the request context.
type Services struct {
	Coordinator *coordinator.Service
	Issuer      *jwt.Issuer
	Pins        *auth.Pins
	Config      *config.Config
}

// Inject makes s available to every handler behind it.
func Inject(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(servicesKey, s)
		c.Next()
	}
}

func services(c *gin.Context) *Services {
	return c.MustGet(servicesKey).(*Services)
}

// bindJSON decodes the request body, aborting with ErrInvalidRequest on
// malformed input.
func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		AbortWithHTTPError(c, 400, err, "Invalid request body: "+err.Error(), "INVALID_REQUEST")
		return false
	}
	return true
}
