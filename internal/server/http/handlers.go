package http

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"statad/internal/engine"
	"statad/internal/exec"
	"statad/internal/session"
	"statad/internal/smcl"
)

// runOptions pulls the shared query parameters off a run request.
func runOptions(c *gin.Context) session.Options {
	opts := session.Options{
		SessionID:      c.Query("session_id"),
		WorkingDir:     c.Query("working_dir"),
		AutoNameGraphs: c.Query("detect_graphs") != "false",
	}
	if raw := c.Query("timeout"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			opts.Timeout = time.Duration(secs) * time.Second
		}
	}
	return opts
}

// errStatus maps router errors onto HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, exec.ErrAlreadyCurrent):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnavailable), errors.Is(err, session.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrNoExecution):
		return http.StatusNotFound
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleRunFile(c *gin.Context) {
	path := c.Query("file_path")
	if path == "" {
		c.String(http.StatusBadRequest, "file_path parameter is required")
		return
	}
	res, err := s.router.ExecuteFile(c.Request.Context(), path, runOptions(c))
	if err != nil {
		c.String(errStatus(err), "ERROR: %s", err.Error())
		return
	}
	s.rememberArtifacts(res.Graphs)
	c.String(http.StatusOK, res.Output)
}

func (s *Server) handleRunSelection(c *gin.Context) {
	code := c.Query("selection")
	if code == "" {
		c.String(http.StatusBadRequest, "selection parameter is required")
		return
	}
	res, err := s.router.Execute(c.Request.Context(), code, runOptions(c))
	if err != nil {
		c.String(errStatus(err), "ERROR: %s", err.Error())
		return
	}
	s.rememberArtifacts(res.Graphs)
	c.String(http.StatusOK, res.Output)
}

func (s *Server) handleStop(c *gin.Context) {
	info, err := s.router.Stop(c.Query("session_id"))
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("Stop accepted for execution %s", info.ExecutionID)
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleStatus(c *gin.Context) {
	st, ok := s.router.Status(c.Query("session_id"))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"state": "idle"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":           st.State,
		"execution_id":    st.ID,
		"file":            st.ScriptRef,
		"elapsed_seconds": st.Elapsed.Seconds(),
		"cancelled":       st.Cancelled,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":         "ok",
		"engine_ready":   s.eng != nil,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"multi_session":  s.pool != nil,
	}
	if s.pool != nil {
		resp["sessions"] = len(s.pool.ListSessions())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGraph(c *gin.Context) {
	name := c.Param("name")
	path, ok := s.artifacts.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown graph: " + name})
		return
	}
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "graph file no longer exists: " + path})
		return
	}
	c.File(path)
}

func (s *Server) handleHelp(c *gin.Context) {
	file := c.Query("file")
	if file == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file parameter is required"})
		return
	}
	switch filepath.Ext(file) {
	case ".sthlp", ".smcl":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "file must be .sthlp or .smcl"})
		return
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if c.Query("format") == "plain" {
		c.String(http.StatusOK, smcl.ToPlain(string(raw)))
		return
	}
	c.Header("Content-Type", "text/markdown; charset=utf-8")
	c.String(http.StatusOK, smcl.ToMarkdown(string(raw)))
}
