package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"retrospect-backend/internal/shared/server/respond"
	"retrospect-backend/internal/shared/telemetry"
)

// Logging emits a structured log per request.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.EqualFold(c.Request.Method, "OPTIONS") {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		latency := time.Since(start)


		telemetry.Info("request.complete", map[string]any{
			"trace_id":          TraceIDFromContext(c),
			"method":            c.Request.Method,
			"path":              c.Request.URL.Path,
			"route":             c.FullPath(),
			"status":            c.Writer.Status(),
			"status_transition": c.GetString(respond.StatusTransitionKey),
			"duration_ms":       float64(latency.Microseconds()) / 1000.0,
			"analysis_id":       c.GetString(respond.AnalysisIDKey),
			"client_ip":         c.ClientIP(),
			"user_agent":        c.Request.UserAgent(),
		})
	}
}
