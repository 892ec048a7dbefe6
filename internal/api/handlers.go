package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/151300/FreeNodes/internal/launcher"
)

// launcherService is the subset of *launcher.Launcher used by the HTTP
// handlers. Declaring it as an interface allows test doubles to be injected.
type launcherService interface {
	Start(ctx context.Context) error
	RunDeepHealth(ctx context.Context) map[string]launcher.ProbeResult
	IsReady() bool
	LastResult() *launcher.LaunchResult
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	launcher launcherService
}

// Launch handles POST /api/v1/launch. The launch slot is claimed before
// replying: 202 means this request started the launch, 409 that another
// one holds it.
//
//	@Summary	Start a launch
//	@Tags		launch
//	@Produce	json
//	@Success	202	{object}	map[string]string
//	@Failure	409	{object}	map[string]string
//	@Failure	429	{object}	map[string]string
//	@Router		/api/v1/launch [post]
func (h *Handler) Launch(c *gin.Context) {
	if err := h.launcher.Start(context.WithoutCancel(c.Request.Context())); err != nil {
		if errors.Is(err, launcher.ErrLaunchInProgress) {
			c.JSON(http.StatusConflict, gin.H{"status": launcher.StatusInProgress})
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// LastLaunch handles GET /api/v1/launch/last.
//
//	@Summary	Most recent launch result
//	@Tags		launch
//	@Produce	json
//	@Success	200	{object}	launcher.LaunchResult
//	@Failure	404	{object}	map[string]string
//	@Router		/api/v1/launch/last [get]
func (h *Handler) LastLaunch(c *gin.Context) {
	res := h.launcher.LastResult()
	if res == nil {
		c.JSON(http.StatusNotFound, errorBody("no launch has completed"))
		return
	}
	c.JSON(http.StatusOK, res)
}

// Health handles GET /health. It always returns 200.
//
//	@Summary	Liveness probe
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	map[string]string
//	@Router		/health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   "shallow",
	})
}

// DeepHealth handles GET /health/deep and returns 200 only when every probe
// is OK.
//
//	@Summary	Dependency probes
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	map[string]any
//	@Failure	503	{object}	map[string]any
//	@Router		/health/deep [get]
func (h *Handler) DeepHealth(c *gin.Context) {
	probes := h.launcher.RunDeepHealth(c.Request.Context())

	allOK := true
	for _, p := range probes {
		if !p.OK {
			allOK = false
			break
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !allOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": probes,
	})
}

// Ready handles GET /ready: 200 once a launch has succeeded, 503 otherwise.
//
//	@Summary	Readiness probe
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	map[string]bool
//	@Failure	503	{object}	map[string]bool
//	@Router		/ready [get]
func (h *Handler) Ready(c *gin.Context) {
	if h.launcher.IsReady() {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
}
