// Package server exposes the engine's operations over HTTP for the web front
// end and for scripted clients.
package server

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/internal/daemon/collector"
	"github.com/lmtoy/pipeline-web/internal/daemon/store"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/lmtoy/pipeline-web/pkg/catalog"
	"github.com/lmtoy/pipeline-web/pkg/dispatch"
	"github.com/lmtoy/pipeline-web/pkg/fleet"
	"github.com/lmtoy/pipeline-web/pkg/notify"
	"github.com/lmtoy/pipeline-web/pkg/projects"
	"github.com/lmtoy/pipeline-web/pkg/workspace"
	"github.com/lmtoy/pipeline-web/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Deps are the components the API serves. Notifier and Monitor may be nil.
type Deps struct {
	Config     *config.Config
	Sessions   *workspace.Store
	Catalog    *catalog.Extractor
	Fleet      *fleet.Syncer
	Dispatcher *dispatch.Dispatcher
	Notifier   *notify.Notifier
	Projects   *projects.Registry
	State      *store.Store
	Monitor    *collector.RunfileCollector
}

// RunningConfig is the subset of settings reported by /api/config.
type RunningConfig struct {
	WorkDir         string        `json:"work_dir"`
	InitSession     string        `json:"init_session"`
	ComputeHost     string        `json:"compute_host"`
	MonitorInterval time.Duration `json:"monitor_interval"`
	Version         string        `json:"version"`
	StartedAt       time.Time     `json:"started_at"`
}

// Server manages the daemon's HTTP server.
type Server struct {
	Deps
	router        *gin.Engine
	server        *http.Server
	runningConfig RunningConfig
	logger        *logrus.Entry
}

// New builds the router over deps.
func New(deps Deps) *Server {
	s := &Server{
		Deps:   deps,
		logger: logging.NewLogger("server"),
		runningConfig: RunningConfig{
			WorkDir:         deps.Config.Path.WorkLMT,
			InitSession:     deps.Config.Session.InitSession,
			ComputeHost:     deps.Config.SSH.Hostname,
			MonitorInterval: deps.Config.Monitor.Interval,
			Version:         version.GetInfo().Version,
			StartedAt:       time.Now().UTC(),
		},
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/api/config", func(c *gin.Context) { c.JSON(http.StatusOK, s.runningConfig) })

	api := r.Group("/api", s.authenticate())
	api.GET("/stream", s.handleStream)
	api.GET("/whoami", s.handleWhoami)

	p := api.Group("/projects/:pid", s.authorizeProject())
	p.GET("", s.handleProject)
	p.GET("/sessions", s.handleListSessions)
	p.POST("/sessions", s.handleCloneSession)
	p.DELETE("/sessions/:session", s.handleDeleteSession)
	p.GET("/sessions/:session/runfiles", s.handleListRunfiles)
	p.POST("/sessions/:session/runfiles", s.handleAddRunfile)
	p.GET("/sessions/:session/result-url", s.handleResultURL)
	p.POST("/sessions/:session/summary", s.handleMakeSummary)

	rf := p.Group("/sessions/:session/runfiles/:name")
	rf.GET("", s.handleReadRunfile)
	rf.PUT("", s.handleWriteRunfile)
	rf.DELETE("", s.handleDeleteRunfile)
	rf.POST("/clone", s.handleCloneRunfile)
	rf.GET("/validate", s.handleValidateRunfile)
	rf.POST("/rows/delete", s.handleDeleteRows)
	rf.POST("/rows/clone", s.handleCloneRows)
	rf.PATCH("/rows", s.handleUpdateColumn)
	rf.GET("/notes", s.handleReadNotes)
	rf.PUT("/notes", s.handleWriteNotes)
	rf.GET("/status", s.handleRunfileStatus)
	rf.POST("/dispatch", s.handleDispatch)

	p.GET("/sources", s.handleSources)
	p.POST("/runfiles/generate", s.handleGenerateRunfiles)
	p.GET("/jobs", s.handleJobStatuses)
	p.DELETE("/jobs/:id", s.handleCancelJob)
	p.GET("/monitor", s.handleMonitor)

	f := api.Group("/fleet")
	f.GET("/repos", s.handleDiscover)
	f.GET("/repos/:name/status", s.handleRepoStatus)
	f.GET("/status", s.handleFleetSummary)
	admin := f.Group("", s.requireAdmin())
	admin.POST("/reconcile", s.handleReconcileFleet)
	admin.POST("/repos/:name/reconcile", s.handleReconcileOne)
	admin.GET("/remote", s.handleListRemote)

	return r
}

// requestLogger logs each request at debug level, errors at warn.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
		} else {
			entry.Debug("Request served")
		}
	}
}

// ListenAndServe starts the API on addr and blocks until the server stops.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeIOError, "failed to listen on "+addr)
	}
	return s.Serve(listener)
}

// Serve runs the API on an existing listener.
func (s *Server) Serve(listener net.Listener) error {
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("addr", listener.Addr().String()).Info("API listening")
	err := s.server.Serve(listener)
	if stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    errors.ErrorCode       `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeNotFound, errors.ErrCodeConfigNotFound:
		return http.StatusNotFound
	case errors.ErrCodeAlreadyExists:
		return http.StatusConflict
	case errors.ErrCodeInvalid, errors.ErrCodeConfigValidation, errors.ErrCodeConfigInvalid:
		return http.StatusBadRequest
	case errors.ErrCodePermissionDenied:
		return http.StatusForbidden
	case errors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodeRemoteError, errors.ErrCodeCommandFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an ErrorResponse and aborts the request.
func fail(c *gin.Context, err error) {
	code := errors.GetCode(err)
	if code == "" {
		code = errors.ErrCodeInternal
	}
	resp := ErrorResponse{Code: code, Message: err.Error()}
	var pe *errors.PipelineError
	if errors.As(err, &pe) {
		resp.Message = pe.Message
		resp.Details = pe.Details
	}
	c.AbortWithStatusJSON(statusFor(code), resp)
}

// bind decodes a JSON body and reports validation failures field by field.
func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) {
			details := make(map[string]interface{}, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
				Code:    errors.ErrCodeInvalid,
				Message: "request validation failed",
				Details: details,
			})
			return false
		}
		fail(c, errors.Wrap(err, errors.ErrCodeInvalid, "malformed request body"))
		return false
	}
	return true
}
