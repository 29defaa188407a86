// Package server exposes spells, runner sessions and completions over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/casualjim/grimoire/pkg/slogx"
	"github.com/casualjim/grimoire/provider"
	"github.com/casualjim/grimoire/runner"
	"github.com/casualjim/grimoire/spells"
	"github.com/casualjim/grimoire/store"
	"github.com/fogfish/opts"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 10 * time.Second

var (
	WithRunner     = opts.ForName[Server, *runner.Manager]("runner")
	WithProvider   = opts.ForName[Server, provider.Provider]("provider")
	WithRequestLog = opts.ForName[Server, store.RequestLog]("requests")
	// WithProjectID sets the project used when a request names none.
	WithProjectID = opts.ForName[Server, string]("projectID")
)

type Server struct {
	spells    *spells.Service
	runner    *runner.Manager
	provider  provider.Provider
	requests  store.RequestLog
	projectID string

	router *gin.Engine
	logger *slog.Logger
}

func New(svc *spells.Service, options ...opts.Option[Server]) (*Server, error) {
	if svc == nil {
		return nil, errors.New("server: spells service is required")
	}
	s := &Server{spells: svc}
	if err := opts.Apply(s, options); err != nil {
		return nil, err
	}
	s.logger = slog.Default().With(slogx.LoggerName("server"))

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))
	s.Routes(router)
	s.router = router
	return s, nil
}

// Routes registers the API endpoints on router.
func (s *Server) Routes(router gin.IRouter) {
	router.GET("/healthz", s.handleHealth)

	router.GET("/spells", s.handleFindSpells)
	router.GET("/spells/schema", s.handleSchema)
	router.GET("/spells/:name", s.handleGetSpell)
	router.POST("/spells", s.handleCreateSpell)
	router.PUT("/spells/:name", s.handleUpdateSpell)
	router.DELETE("/spells/:name", s.handleDeleteSpell)
	router.POST("/spells/saveDiff", s.handleSaveDiff)

	if s.runner != nil {
		router.PUT("/spell-runner/:name", s.handleUpdateRunner)
		router.POST("/spell-runner/:name/run", s.handleRunSpell)
	}
	if s.provider != nil {
		router.POST("/completions", s.handleCompletion)
	}
	if s.requests != nil {
		router.GET("/requests", s.handleListRequests)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
