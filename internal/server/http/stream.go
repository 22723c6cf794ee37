package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"statad/internal/exec"
)

// sseSink frames stream lines as server-sent events. A disconnected client
// surfaces as a Send error, which detaches the stream without touching the
// background execution.
type sseSink struct {
	ctx     context.Context
	w       io.Writer
	flusher http.Flusher
}

func (s *sseSink) Send(text string) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}
	// SSE frames are line-oriented: every line of a multi-line event gets
	// its own data: field.
	for _, line := range strings.Split(text, "\n") {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// wsSink frames stream lines as websocket text messages.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(text string) error {
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (s *Server) handleRunFileStream(c *gin.Context) {
	path := c.Query("file_path")
	if path == "" {
		c.String(http.StatusBadRequest, "file_path parameter is required")
		return
	}
	job, err := s.router.StreamFileJob(path, runOptions(c))
	if err != nil {
		c.String(errStatus(err), "ERROR: %s", err.Error())
		return
	}
	s.serveSSE(c, job)
}

func (s *Server) handleRunSelectionStream(c *gin.Context) {
	code := c.Query("selection")
	if code == "" {
		c.String(http.StatusBadRequest, "selection parameter is required")
		return
	}
	job, err := s.router.StreamSelectionJob(code, runOptions(c))
	if err != nil {
		c.String(errStatus(err), "ERROR: %s", err.Error())
		return
	}
	s.serveSSE(c, job)
}

func (s *Server) serveSSE(c *gin.Context, job exec.StreamJob) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{ctx: c.Request.Context(), w: c.Writer, flusher: flusher}
	s.streamer.Stream(sink, job)
}

// handleWebSocketStream carries the same event sequence as the SSE
// endpoints over a websocket, for the interactive window. The submission is
// chosen by file_path or selection, exactly one of which must be present.
func (s *Server) handleWebSocketStream(c *gin.Context) {
	path := c.Query("file_path")
	code := c.Query("selection")
	if (path == "") == (code == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of file_path or selection is required"})
		return
	}

	// Upgrade before preparing the job: preparation writes a temp script
	// whose cleanup lives in the launch path, so a failed handshake must
	// not leave one behind.
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var job exec.StreamJob
	opts := runOptions(c)
	if path != "" {
		job, err = s.router.StreamFileJob(path, opts)
	} else {
		job, err = s.router.StreamSelectionJob(code, opts)
	}
	if err != nil {
		conn.WriteMessage(websocket.TextMessage, []byte("ERROR: "+err.Error()))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	s.streamer.Stream(&wsSink{conn: conn}, job)
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
