package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gammadia/autogrid/admission"
	"github.com/gammadia/autogrid/capability"
	"github.com/gammadia/autogrid/capacity"
	"github.com/gammadia/autogrid/fleet"
	"github.com/gammadia/autogrid/provisioner"
	"github.com/gammadia/autogrid/registry"
	"github.com/gammadia/autogrid/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Scheduler is the part of the scheduler the API reports on.
type Scheduler interface {
	Tasks() []scheduler.TaskStatus
	QueuedSince() map[string]time.Time
}

type Handler struct {
	Admission *admission.Service
	Hub       *fleet.Hub
	Runs      *registry.RunRegistry
	Nodes     *registry.NodeRegistry
	Matcher   *capacity.Matcher
	Scheduler Scheduler
	Logger    *slog.Logger
	Version   string
}

func (h *Handler) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Health)

	grid := r.Group("/grid")
	{
		grid.POST("/runs", h.AdmitRun)
		grid.DELETE("/runs/:uuid", h.ReleaseRun)
		grid.GET("/status", h.Status)
		grid.GET("/capacity", h.Capacity)
		grid.POST("/nodes", h.RegisterNode)
		grid.DELETE("/nodes/:id", h.RemoveNode)
		grid.POST("/sessions", h.RequestSession)
		grid.DELETE("/sessions/:id", h.EndSession)
	}
}

func (h *Handler) errorResponse(c *gin.Context, statusCode int, message string, err error) {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("%.8s", uuid.New().String())
	}

	response := gin.H{
		"error":      message,
		"request_id": requestID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"endpoint":   c.Request.URL.Path,
	}
	if err != nil {
		response["details"] = err.Error()
	}

	c.JSON(statusCode, response)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": h.Version})
}

func admissionStatus(err error) int {
	switch {
	case errors.Is(err, admission.ErrMissingParam):
		return http.StatusBadRequest
	case errors.Is(err, admission.ErrUnsupportedBrowser):
		return http.StatusUnprocessableEntity
	case errors.Is(err, admission.ErrDuplicateRun):
		return http.StatusConflict
	case errors.Is(err, admission.ErrCapacityCeiling):
		return http.StatusTooManyRequests
	case errors.Is(err, provisioner.ErrCouldNotStart):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) AdmitRun(c *gin.Context) {
	var request admission.Request
	if err := c.ShouldBindJSON(&request); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid run request", err)
		return
	}

	decision, err := h.Admission.Admit(c.Request.Context(), request)
	if err != nil {
		h.errorResponse(c, admissionStatus(err), "run rejected", err)
		return
	}

	status := http.StatusOK
	if decision.Outcome == admission.OutcomeProvisioning {
		status = http.StatusAccepted
	}
	c.JSON(status, decision)
}

func (h *Handler) ReleaseRun(c *gin.Context) {
	if !h.Admission.Release(c.Param("uuid")) {
		h.errorResponse(c, http.StatusNotFound, "unknown run", nil)
		return
	}
	c.Status(http.StatusNoContent)
}

type statusResponse struct {
	Runs        []registry.RunRequest  `json:"runs"`
	Nodes       []registry.DynamicNode `json:"nodes"`
	Pending     []registry.PendingNode `json:"pending"`
	Endpoints   int                    `json:"endpoints"`
	Queued      []fleet.QueuedRequest  `json:"queued"`
	QueuedSince map[string]time.Time   `json:"queuedSince"`
	Tasks       []scheduler.TaskStatus `json:"tasks"`
}

func (h *Handler) Status(c *gin.Context) {
	response := statusResponse{
		Runs:      h.Runs.List(),
		Nodes:     h.Nodes.List(),
		Pending:   h.Nodes.Pending(),
		Endpoints: len(h.Hub.Endpoints()),
		Queued:    h.Hub.Queued(),
	}
	if h.Scheduler != nil {
		response.QueuedSince = h.Scheduler.QueuedSince()
		response.Tasks = h.Scheduler.Tasks()
	}
	c.JSON(http.StatusOK, response)
}

func (h *Handler) Capacity(c *gin.Context) {
	profile := capability.Profile{
		Browser:  c.Query("browser"),
		Version:  c.Query("version"),
		Platform: c.Query("platform"),
	}
	if profile.Browser == "" {
		h.errorResponse(c, http.StatusBadRequest, "browser is required", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"profile":    profile,
		"freeSlots":  h.Matcher.FreeSlots(h.Hub, profile),
		"inProgress": h.Matcher.InProgress(h.Hub, profile),
	})
}

func (h *Handler) RegisterNode(c *gin.Context) {
	var endpoint fleet.Endpoint
	if err := c.ShouldBindJSON(&endpoint); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid endpoint", err)
		return
	}
	if err := h.Hub.Register(endpoint); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "endpoint rejected", err)
		return
	}

	// Registration may free room for queued requests.
	placed := h.Hub.Dispatch()
	c.JSON(http.StatusCreated, gin.H{"id": endpoint.ID, "dispatched": len(placed)})
}

func (h *Handler) RemoveNode(c *gin.Context) {
	if !h.Hub.Remove(c.Param("id")) {
		h.errorResponse(c, http.StatusNotFound, "unknown endpoint", nil)
		return
	}
	c.Status(http.StatusNoContent)
}

type sessionRequest struct {
	RunID    string `json:"uuid"`
	Browser  string `json:"browser" binding:"required"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

func (h *Handler) RequestSession(c *gin.Context) {
	var body sessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid session request", err)
		return
	}

	request := h.Hub.Enqueue(body.RunID, capability.Profile{Browser: body.Browser, Version: body.Version, Platform: body.Platform})
	placed := h.Hub.Dispatch()

	if session, ok := placed[request.ID]; ok {
		c.JSON(http.StatusCreated, gin.H{"request": request.ID, "session": session})
		return
	}
	h.log().Debug("Session request queued", "request", request.ID, "run", body.RunID, "browser", body.Browser)
	c.JSON(http.StatusAccepted, gin.H{"request": request.ID, "queued": true})
}

// EndSession frees the slot of a dispatched session, or drops a request that
// is still queued.
func (h *Handler) EndSession(c *gin.Context) {
	id := c.Param("id")
	if !h.Hub.Release(id) && !h.Hub.Cancel(id) {
		h.errorResponse(c, http.StatusNotFound, "unknown session", nil)
		return
	}

	placed := h.Hub.Dispatch()
	if len(placed) > 0 {
		h.log().Debug("Freed slot dispatched queued requests", "count", len(placed), "requests", lo.Keys(placed))
	}
	c.Status(http.StatusNoContent)
}
