package utils

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetBaseURL returns the configured public URL, or detects it from the request.
func GetBaseURL(c *gin.Context, configBaseURL string) string {
	if configBaseURL != "" {
		return strings.TrimRight(configBaseURL, "/")
	}

	scheme := "http"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s", scheme, c.Request.Host)
}

// JoinURL is the link a device opens to join a race.
func JoinURL(baseURL, raceID string) string {
	return strings.TrimRight(baseURL, "/") + "/join?" + url.Values{"raceId": {raceID}}.Encode()
}
