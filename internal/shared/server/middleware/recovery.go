package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"retrospect-backend/internal/shared/server/respond"
	"retrospect-backend/internal/shared/telemetry"
)

// Recovery turns a handler panic into a 500 with the standard error body.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			fields := map[string]any{
				"trace_id": TraceIDFromContext(c),
				"panic":    rec,
				"stack":    string(debug.Stack()),
				"route":    c.FullPath(),
				"method":   c.Request.Method,
			}
			if id := c.GetString(respond.AnalysisIDKey); id != "" {
				fields["analysis_id"] = id
			}
			telemetry.Error("panic", fields)
			respond.Error(c, http.StatusInternalServerError, "internal_error", "Unexpected server error", nil)
		}()
		c.Next()
	}
}
