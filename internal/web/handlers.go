package web

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/errors"
	"github.com/hpungsan/nudge/internal/logging"
	"github.com/hpungsan/nudge/internal/ops"
)

// Handlers contains HTTP route handlers for the hook endpoint.
type Handlers struct {
	deps    Deps
	version string
	logger  *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, version string) *Handlers {
	return &Handlers{deps: deps, version: version, logger: logging.OrNop(deps.Logger)}
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Packets int    `json:"packets"`
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Version: h.version}
	if h.deps.Packets != nil {
		resp.Packets = h.deps.Packets.Len()
	}
	c.JSON(http.StatusOK, resp)
}

// HandleAdvise handles POST /v1/advise. Like the pipeline it never fails:
// an unreadable body is an invalid context and answers with a no-op.
func (h *Handlers) HandleAdvise(c *gin.Context) {
	var tc *advice.ToolContext
	var req advice.ToolContext
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("unreadable advise body", zap.Error(err))
	} else {
		tc = &req
	}
	c.JSON(http.StatusOK, h.deps.Pipeline.Advise(c.Request.Context(), tc))
}

// HandleFeedback handles POST /v1/feedback.
func (h *Handlers) HandleFeedback(c *gin.Context) {
	var req ops.FeedbackInput
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.NewInvalidRequest("invalid JSON body"))
		return
	}
	out, err := ops.Feedback(c.Request.Context(), h.deps.Pipeline, req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// HandleInvalidate handles POST /v1/invalidate.
func (h *Handlers) HandleInvalidate(c *gin.Context) {
	var req ops.InvalidateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.NewInvalidRequest("invalid JSON body"))
		return
	}
	out, err := ops.Invalidate(c.Request.Context(), h.deps.Pipeline, req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// HandlePackets handles GET /v1/packets.
func (h *Handlers) HandlePackets(c *gin.Context) {
	input := ops.PacketsInput{
		Limit:  parseIntParam(c, "limit", 0),
		Offset: parseIntParam(c, "offset", 0),
	}
	out, err := ops.ListPackets(c.Request.Context(), h.deps.Packets, input)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// HandleTrust handles GET /v1/trust.
func (h *Handlers) HandleTrust(c *gin.Context) {
	c.JSON(http.StatusOK, ops.Trust(h.deps.Trust))
}

// renderError writes the error envelope. INTERNAL errors hide their cause.
func renderError(c *gin.Context, err error) {
	var nErr *errors.NudgeError
	if !stderrors.As(err, &nErr) {
		nErr = errors.NewInternal(err)
	}

	message := nErr.Message
	if nErr.Code == errors.ErrInternal {
		message = "an internal error occurred"
	}
	status := nErr.Status
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}

	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    string(nErr.Code),
			"message": message,
			"status":  nErr.Status,
		},
	})
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(c *gin.Context, name string, defaultVal int) int {
	s := c.Query(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
