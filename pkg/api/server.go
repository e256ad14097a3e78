// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/usewisp/wisp/pkg/engine"
	"github.com/usewisp/wisp/pkg/telemetry"
)

// Service is the part of the orchestrator the HTTP adapter drives.
type Service interface {
	Accept(ctx context.Context, req engine.CreateRequest) (*engine.Project, error)
	Project(ctx context.Context, id string) (*engine.Project, error)
	Projects(ctx context.Context, userID string) ([]*engine.Project, error)
	ScheduleTeardown(ctx context.Context, projectID, userID string) error
	ScheduleDeleteUser(ctx context.Context, userID string) error
	Active() []string
}

// HealthFunc reports whether a dependency is reachable.
type HealthFunc func(ctx context.Context) error

// Options configures a Server. Every field is optional.
type Options struct {
	// Metrics is served at /metrics.
	Metrics http.Handler

	// Health is checked by /healthz; a failure answers 503.
	Health HealthFunc

	Logger  *telemetry.Logger
	Service string
	Version string
}

// Server routes HTTP requests to a Service.
type Server struct {
	service Service
	opts    Options
	log     *telemetry.Logger
	router  *gin.Engine
}

// NewServer builds the router.
func NewServer(service Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	if opts.Service == "" {
		opts.Service = "wisp"
	}

	s := &Server{
		service: service,
		opts:    opts,
		log:     opts.Logger.NewComponentLogger("api"),
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery(), requestLogger(s.log))
	s.routes(router)
	s.router = router
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", s.health)
	if s.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}

	r.POST("/projects", s.createProject)
	r.GET("/projects/:id", s.getProject)
	r.DELETE("/projects/:id", s.deleteProject)

	r.GET("/users/:userId/projects", s.listProjects)
	r.DELETE("/users/:userId", s.deleteUser)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version,omitempty"`
	Store     string    `json:"store"`
	Active    int       `json:"active_tasks"`
}

func (s *Server) health(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Service:   s.opts.Service,
		Version:   s.opts.Version,
		Store:     "unchecked",
		Active:    len(s.service.Active()),
	}
	code := http.StatusOK

	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			s.log.WithError(err).Warn("health check failed")
			resp.Status = "unhealthy"
			resp.Store = "down"
			code = http.StatusServiceUnavailable
		} else {
			resp.Store = "up"
		}
	}

	c.JSON(code, resp)
}
