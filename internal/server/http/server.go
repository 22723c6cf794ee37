// Package http exposes the execution control plane over HTTP: blocking run
// endpoints, SSE and websocket streams, stop/status, session administration,
// artifact serving, and Prometheus metrics.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"statad/internal/config"
	"statad/internal/engine"
	"statad/internal/exec"
	"statad/internal/logging"
	"statad/internal/session"
)

// artifactCacheSize bounds the name-to-path table behind /graphs/:name.
const artifactCacheSize = 128

// Server wires the session router to the HTTP surface.
type Server struct {
	cfg      *config.Config
	router   session.Router
	pool     *session.Pool
	eng      engine.Engine
	streamer *exec.Streamer
	metrics  *exec.Metrics
	logger   logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	artifacts  *lru.Cache[string, string]
	startTime  time.Time
}

// New builds the server. pool is nil in single-engine mode; session admin
// endpoints are only mounted when it is present.
func New(cfg *config.Config, router session.Router, pool *session.Pool, eng engine.Engine, metrics *exec.Metrics, logger logging.Logger) (*Server, error) {
	logger = logging.OrNop(logger)
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	e := gin.New()
	e.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	e.Use(cors.New(corsConfig))

	artifacts, err := lru.New[string, string](artifactCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		router:   router,
		pool:     pool,
		eng:      eng,
		streamer: exec.NewStreamer(cfg.PollInterval, metrics, logger),
		metrics:  metrics,
		logger:   logger,
		engine:   e,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		artifacts: artifacts,
		startTime: time.Now(),
	}

	// WriteTimeout stays zero: SSE and websocket responses are open-ended.
	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     e,
		ReadTimeout: 30 * time.Second,
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/run_file", s.handleRunFile)
	s.engine.GET("/run_selection", s.handleRunSelection)
	s.engine.GET("/run_file/stream", s.handleRunFileStream)
	s.engine.GET("/run_selection/stream", s.handleRunSelectionStream)
	s.engine.GET("/stream/ws", s.handleWebSocketStream)
	s.engine.POST("/stop", s.handleStop)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/graphs/:name", s.handleGraph)
	s.engine.GET("/help", s.handleHelp)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.pool != nil {
		sessions := s.engine.Group("/sessions")
		sessions.POST("", s.handleCreateSession)
		sessions.GET("", s.handleListSessions)
		sessions.GET("/:id", s.handleGetSession)
		sessions.DELETE("/:id", s.handleDeleteSession)
		sessions.POST("/:id/restart", s.handleRestartSession)
	}
}

// Handler exposes the gin engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks serving until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully, then the session pool if any.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	if s.pool != nil {
		return s.pool.Shutdown(ctx)
	}
	return nil
}

// rememberArtifacts records graph artifacts so /graphs/:name can serve them
// later. Only blocking runs pass through here; streamed runs report their
// artifacts inline in the stream text.
func (s *Server) rememberArtifacts(graphs []exec.Artifact) {
	for _, g := range graphs {
		s.artifacts.Add(g.Name, g.Path)
	}
}
