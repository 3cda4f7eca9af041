package app

import (
	"log/slog"
	"net"
	"net/http"
	"os"

	"race-sync/internal/config"
	"race-sync/internal/routes"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

func securityHeaders(c *gin.Context) {
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("X-Frame-Options", "DENY")

	// Sync responses must never be served from a cache
	c.Header("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Next()
}

// Middleware to check if the IP is allowed.
func IPAccessControl(allowedCIDRs []string) gin.HandlerFunc {
	// Parse allowed CIDRs
	var parsedCIDRs []*net.IPNet

	// Allow local networks in debug mode
	if os.Getenv("GIN_MODE") != "release" {
		localhostCIDRs := []string{"127.0.0.1/8", "::1/128"}
		allowedCIDRs = append(allowedCIDRs, localhostCIDRs...)
	}

	for _, cidr := range allowedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			slog.Warn("Invalid CIDR", "cidr", cidr)
			continue
		}
		slog.Debug("Allowed CIDR", "cidr", cidr)
		parsedCIDRs = append(parsedCIDRs, network)
	}

	return func(c *gin.Context) {
		clientIP := net.ParseIP(c.ClientIP())
		if clientIP == nil {
			// Should not happen
			slog.Warn("Invalid client IP", "ip", c.ClientIP())
			routes.AbortWithError(c, routes.ErrForbidden)
			return
		}

		for _, cidr := range parsedCIDRs {
			if cidr.Contains(clientIP) {
				c.Next()
				return
			}
		}
		slog.Warn("IP not allowed", "ip", clientIP)
		routes.AbortWithError(c, routes.ErrForbidden)
	}
}

// CORS lets browser hosted devices on other origins call the API.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	handler := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         600,
	})

	return func(c *gin.Context) {
		handler.HandlerFunc(c.Writer, c.Request)
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			if !c.Writer.Written() {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Abort()
			return
		}
		c.Next()
	}
}

// HTTPServer builds the gin engine with every API route registered.
func HTTPServer(cfg *config.Config, services *routes.Services) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), routes.ErrorHandler())
	r.HandleMethodNotAllowed = true

	if allowed := config.SplitList(cfg.AllowedNetworks); len(allowed) > 0 {
		slog.Debug("Enabling IP access control", "allowed_networks", cfg.AllowedNetworks)
		r.Use(IPAccessControl(allowed))
	}
	if origins := config.SplitList(cfg.AllowedOrigins); len(origins) > 0 {
		r.Use(CORS(origins))
	}
	r.Use(securityHeaders, routes.Inject(services))

	r.NoMethod(func(c *gin.Context) {
		routes.AbortWithError(c, routes.ErrMethodNotAllowed)
	})
	r.NoRoute(func(c *gin.Context) {
		routes.AbortWithError(c, routes.ErrRouteNotFound)
	})

	api := r.Group("/api")
	routes.Health(api)
	routes.SyncRoutes(api)
	routes.FaultRoutes(api)
	routes.AuthRoutes(api.Group("/auth"))
	routes.AdminRoutes(api.Group("/admin", routes.RequireManagement()))

	return r
}
