package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Context keys shared by middleware and handlers.
const (
	TraceIDKey          = "traceId"
	AnalysisIDKey       = "analysisId"
	StatusTransitionKey = "statusTransition"
)

// JSON writes payload with the given status.
func JSON(c *gin.Context, status int, payload any) {
	c.JSON(status, payload)
}

func OK(c *gin.Context, payload any) {
	JSON(c, http.StatusOK, payload)
}

// Accepted is used for work that finishes asynchronously.
func Accepted(c *gin.Context, payload any) {
	JSON(c, http.StatusAccepted, payload)
}
