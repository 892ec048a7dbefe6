package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"golang.org/x/time/rate"

	_ "github.com/151300/FreeNodes/docs" // registers Swagger docs
)

const serviceName = "freenodes-launcher"

// Router wraps a configured Gin engine and exposes it as an http.Handler.
type Router struct {
	engine *gin.Engine
}

// NewRouter constructs a Router with the full middleware chain and all
// routes registered. Middleware order:
//  1. Recovery (panic to 500)
//  2. Tracing (trace context per request)
//  3. RequestLogger
//
// metrics is mounted at /metrics when non-nil. limiter throttles
// POST /api/v1/launch; nil disables throttling.
func NewRouter(l launcherService, metrics http.Handler, limiter *rate.Limiter) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(Recovery(slog.Default()))
	engine.Use(Tracing(serviceName))
	engine.Use(RequestLogger(slog.Default()))

	h := &Handler{launcher: l}

	v1 := engine.Group("/api/v1")
	v1.POST("/launch", RateLimit(limiter), h.Launch)
	v1.GET("/launch/last", h.LastLaunch)

	engine.GET("/health", h.Health)
	engine.GET("/health/deep", h.DeepHealth)
	engine.GET("/ready", h.Ready)

	if metrics != nil {
		engine.GET("/metrics", gin.WrapH(metrics))
	}

	engine.GET("/api-docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/api-docs/index.html")
	})
	engine.GET("/api-docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return &Router{engine: engine}
}

// Handler returns the underlying http.Handler for use with net/http servers.
func (r *Router) Handler() http.Handler {
	return r.engine
}
