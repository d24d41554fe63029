// Package api exposes the engine's control surface over HTTP.
//
// Every mutating route binds its JSON body straight into the engine's
// request structs, stamps the acting identity from proxy headers, and maps
// engine failures onto status codes in one place. The server owns no state
// of its own: it is a thin translation layer in front of Engine commands
// and queries.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/engine"
)

// Server fronts one Engine with the /api/v1 control surface.
type Server struct {
	eng    *engine.Engine
	cfg    config.Config
	apiKey string

	router *gin.Engine
	http   *http.Server
}

// NewServer builds the router and resolves the API key when auth is
// enabled. The key is read once at construction; rotating it requires a
// restart.
func NewServer(cfg config.Config, eng *engine.Engine) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{eng: eng, cfg: cfg}
	if cfg.Auth.Enabled {
		s.apiKey = os.Getenv(cfg.Auth.APIKeyEnv)
		if s.apiKey == "" {
			slog.Warn("Auth enabled but the key env is empty; all API requests will be rejected",
				"env", cfg.Auth.APIKeyEnv)
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	s.router = router
	s.routes()
	return s
}

func (s *Server) routes() {
	// Liveness and metrics stay unauthenticated so probes and scrapers
	// need no credentials.
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(s.eng.Metrics().Handler()))

	v1 := s.router.Group("/api/v1")
	if s.cfg.Auth.Enabled {
		v1.Use(s.requireAPIKey())
	}

	v1.POST("/hives", s.createHive)
	v1.POST("/hives/:id/close", s.closeHive)

	v1.POST("/colonies", s.createColony)
	v1.POST("/colonies/:id/start", s.startColony)
	v1.POST("/colonies/:id/complete", s.completeColony)

	v1.POST("/runs", s.startRun)
	v1.GET("/runs", s.listRuns)
	v1.GET("/runs/:id", s.getRun)
	v1.POST("/runs/:id/complete", s.completeRun)
	v1.POST("/runs/:id/stop", s.emergencyStop)
	v1.POST("/runs/:id/heartbeat", s.heartbeat)
	v1.GET("/runs/:id/events", s.listEvents)
	v1.GET("/runs/:id/events/:eid/lineage", s.lineage)

	v1.POST("/runs/:id/tasks", s.createTask)
	v1.POST("/runs/:id/tasks/:tid/assign", s.assignTask)
	v1.POST("/runs/:id/tasks/:tid/progress", s.progressTask)
	v1.POST("/runs/:id/tasks/:tid/complete", s.completeTask)
	v1.POST("/runs/:id/tasks/:tid/fail", s.failTask)

	v1.POST("/runs/:id/requirements", s.createRequirement)
	v1.POST("/runs/:id/requirements/:rid/resolve", s.resolveRequirement)
}

// Start blocks serving HTTP on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}
	return s.http.ListenAndServe()
}

// StartWithListener serves on an existing listener. Tests use it to bind a
// random port before the server goroutine starts.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.http = &http.Server{Handler: s.router}
	return s.http.Serve(ln)
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// bindBody binds a JSON body when one is present. Action routes accept an
// empty body; path params fill the request afterwards.
func bindBody(c *gin.Context, req any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}
