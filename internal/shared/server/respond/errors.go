package respond

import (
	"github.com/gin-gonic/gin"

	"retrospect-backend/internal/shared/telemetry"
)

// ErrorBody defines the standardized error object.
type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse wraps the error body.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Error sends a standardized error response.
func Error(c *gin.Context, status int, code, message string, details any) {
	fields := map[string]any{
		"status":   status,
		"code":     code,
		"message":  message,
		"path":     c.Request.URL.Path,
		"method":   c.Request.Method,
		"trace_id": c.GetString(TraceIDKey),
	}
	if id := c.GetString(AnalysisIDKey); id != "" {
		fields["analysis_id"] = id
	}
	telemetry.Error("http.error", fields)

	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}
