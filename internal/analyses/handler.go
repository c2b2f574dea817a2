package analyses

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"retrospect-backend/internal/prompts"
	"retrospect-backend/internal/shared/server/middleware"
	"retrospect-backend/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the analyses service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches analysis and template routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analyses", h.createAnalysis)
	rg.GET("/analyses/:id", h.getAnalysis)
	rg.GET("/analyses/:id/result", h.getResult)
	rg.POST("/analyses/:id/cancel", h.cancelAnalysis)
	rg.POST("/analyses/:id/retry", h.retryAnalysis)
	rg.GET("/sessions/:id/analyses", h.listBySession)
	rg.GET("/templates", h.listTemplates)
	rg.GET("/templates/:id", h.getTemplate)
	rg.PUT("/templates/:id", h.saveTemplate)
}

type createRequest struct {
	SessionID  string            `json:"sessionId"`
	TemplateID string            `json:"templateId"`
	Variables  prompts.Variables `json:"variables"`
}

func traceContext(c *gin.Context) context.Context {
	return WithTraceID(c.Request.Context(), middleware.TraceIDFromContext(c))
}

func (h *Handler) createAnalysis(c *gin.Context) {
	var body createRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid JSON body", nil)
		return
	}
	if body.TemplateID == "" {
		body.TemplateID = prompts.SessionSummaryID
	}

	ctx := traceContext(c)
	req, err := h.Svc.Create(ctx, CreateInput{SessionID: body.SessionID, TemplateID: body.TemplateID, Variables: body.Variables})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		case errors.Is(err, prompts.ErrTemplateNotFound):
			respond.Error(c, http.StatusNotFound, "template_not_found", "template not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to create analysis", nil)
		}
		return
	}
	c.Set(respond.AnalysisIDKey, req.ID)

	if err := h.Svc.Enqueue(ctx, req.ID); err != nil {
		respond.Error(c, http.StatusServiceUnavailable, "enqueue_failed", "analysis created but could not be scheduled", gin.H{"id": req.ID})
		return
	}
	respond.Accepted(c, gin.H{"id": req.ID, "status": req.Status})
}

func (h *Handler) getAnalysis(c *gin.Context) {
	id := c.Param("id")
	c.Set(respond.AnalysisIDKey, id)
	req, err := h.Svc.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err, "failed to fetch analysis")
		return
	}
	respond.OK(c, req)
}

func (h *Handler) getResult(c *gin.Context) {
	id := c.Param("id")
	c.Set(respond.AnalysisIDKey, id)
	res, err := h.Svc.GetResult(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err, "failed to fetch result")
		return
	}
	if res == nil {
		respond.Error(c, http.StatusConflict, "not_ready", "analysis has no result", nil)
		return
	}
	respond.OK(c, res)
}

func (h *Handler) cancelAnalysis(c *gin.Context) {
	id := c.Param("id")
	c.Set(respond.AnalysisIDKey, id)
	req, err := h.Svc.Cancel(traceContext(c), id)
	if err != nil {
		h.writeError(c, err, "failed to cancel analysis")
		return
	}
	respond.Accepted(c, req)
}

func (h *Handler) retryAnalysis(c *gin.Context) {
	id := c.Param("id")
	c.Set(respond.AnalysisIDKey, id)
	ctx := traceContext(c)
	req, err := h.Svc.Retry(ctx, id)
	if err != nil {
		h.writeError(c, err, "failed to retry analysis")
		return
	}
	c.Set(respond.StatusTransitionKey, transitionLabel(StatusFailed, StatusQueued))
	if err := h.Svc.Enqueue(ctx, req.ID); err != nil {
		respond.Error(c, http.StatusServiceUnavailable, "enqueue_failed", "analysis requeued but could not be scheduled", gin.H{"id": req.ID})
		return
	}
	respond.Accepted(c, req)
}

func (h *Handler) listBySession(c *gin.Context) {
	limit := queryInt(c, "limit", 20)
	offset := queryInt(c, "offset", 0)
	out, err := h.Svc.ListBySession(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list analyses", nil)
		return
	}
	respond.OK(c, out)
}

func (h *Handler) listTemplates(c *gin.Context) {
	tpls, err := h.Svc.Templates.List(c.Request.Context())
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list templates", nil)
		return
	}
	respond.OK(c, tpls)
}

func (h *Handler) getTemplate(c *gin.Context) {
	tpl, err := h.Svc.Templates.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, prompts.ErrTemplateNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "template not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch template", nil)
		return
	}
	respond.OK(c, tpl)
}

func (h *Handler) saveTemplate(c *gin.Context) {
	var tpl prompts.PromptTemplate
	if err := c.ShouldBindJSON(&tpl); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid JSON body", nil)
		return
	}
	tpl.ID = c.Param("id")
	if err := h.Svc.Templates.Save(c.Request.Context(), tpl); err != nil {
		if errors.Is(err, prompts.ErrInvalidTemplate) {
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to save template", nil)
		return
	}
	respond.OK(c, tpl)
}

func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
	case errors.Is(err, ErrInvalidTransition):
		respond.Error(c, http.StatusConflict, "invalid_transition", err.Error(), nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
