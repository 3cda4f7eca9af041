// Authentication middleware for management endpoints.
// A bearer credential is either a management token or, for older clients,
// the raw PIN. Without a configured PIN the endpoints are open.
package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"race-sync/internal/auth"
	"race-sync/internal/jwt"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// RequireManagement rejects requests without a valid bearer credential,
// unless no PIN has been configured.
func RequireManagement() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := services(c)
		ctx := c.Request.Context()

		configured, err := s.Pins.Configured(ctx)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !configured {
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		if looksLikeJWT(token) {
			claims, err := s.Issuer.Verify(ctx, token)
			if err != nil {
				slog.Debug("RequireManagement: token rejected", "error", err)
				AbortWithError(c, err)
				return
			}
			c.Set(claimsKey, claims)
			c.Next()
			return
		}

		if err := s.Pins.Check(ctx, token); err != nil {
			if errors.Is(err, auth.ErrInvalidPin) {
				AbortWithError(c, jwt.ErrInvalidToken)
			} else {
				AbortWithError(c, err)
			}
			return
		}
		c.Next()
	}
}

type tokenRequest struct {
	Pin string `json:"pin"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func AuthRoutes(r *gin.RouterGroup) {
	// Exchange the PIN for a management token
	r.POST("/token", func(c *gin.Context) {
		s := services(c)
		ctx := c.Request.Context()

		var req tokenRequest
		if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
			return
		}

		if err := s.Pins.Check(ctx, req.Pin); err != nil && !errors.Is(err, auth.ErrPinNotSet) {
			AbortWithError(c, err)
			return
		}

		token, expiresAt, err := s.Issuer.Issue(ctx)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
	})

	// Revoke the presented token
	r.POST("/logout", func(c *gin.Context) {
		s := services(c)
		ctx := c.Request.Context()

		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		claims, err := s.Issuer.Verify(ctx, token)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if err := s.Issuer.Revoke(ctx, claims); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
}
