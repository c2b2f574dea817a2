package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"retrospect-backend/internal/shared/server/respond"
)

// Trace headers. X-Request-Id is accepted for clients that only send that.
const (
	HeaderTraceID   = "X-Trace-Id"
	HeaderRequestID = "X-Request-Id"
)

// Trace resolves the trace id for a request, stores it on the gin context
// and echoes it back. The id follows the request into queue messages.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderTraceID))
		if id == "" {
			id = strings.TrimSpace(c.GetHeader(HeaderRequestID))
		}
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(respond.TraceIDKey, id)
		c.Writer.Header().Set(HeaderTraceID, id)
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Next()
	}
}

// TraceIDFromContext returns the id stored by Trace, or "".
func TraceIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(respond.TraceIDKey)
}
