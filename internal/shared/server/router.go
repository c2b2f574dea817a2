package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"retrospect-backend/internal/analyses"
	"retrospect-backend/internal/services/health"
	"retrospect-backend/internal/shared/config"
	"retrospect-backend/internal/shared/metrics"
	"retrospect-backend/internal/shared/server/middleware"
	"retrospect-backend/internal/shared/server/respond"
)

// RouterDeps carries the handlers mounted by NewRouter.
type RouterDeps struct {
	Config          config.Config
	AnalysisHandler *analyses.Handler
	Health          *health.Service
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.Trace(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.RateLimit(middleware.RateLimitConfig{
			GroupFor: rateLimitGroup,
			Rules: map[string]middleware.RateLimitRule{
				"DEFAULT": {Rate: deps.Config.HTTPRateLimitRPS, Burst: deps.Config.HTTPRateLimitBurst},
				"POLLING": {Rate: deps.Config.HTTPRateLimitRPS * 4, Burst: deps.Config.HTTPRateLimitBurst * 4},
			},
		}),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		report := deps.Health.Status(c.Request.Context())
		status := http.StatusOK
		if !report.OK {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, report)
	})
	if deps.AnalysisHandler != nil {
		deps.AnalysisHandler.RegisterRoutes(api)
	}
	return r
}

// rateLimitGroup gives status polling a larger budget than writes.
func rateLimitGroup(c *gin.Context) string {
	if c.Request.Method != http.MethodGet {
		return "DEFAULT"
	}
	switch c.FullPath() {
	case "/metrics", "/api/v1/health":
		return "UNLIMITED"
	}
	return "POLLING"
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
