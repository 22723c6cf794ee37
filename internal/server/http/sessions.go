package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleCreateSession(c *gin.Context) {
	info, err := s.pool.CreateSession()
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleListSessions(c *gin.Context) {
	infos := s.pool.ListSessions()
	c.JSON(http.StatusOK, gin.H{"sessions": infos, "count": len(infos)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")
	for _, info := range s.pool.ListSessions() {
		if info.ID == id {
			c.JSON(http.StatusOK, info)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "session not found: " + id})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.pool.CloseSession(c.Param("id")); err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": c.Param("id")})
}

func (s *Server) handleRestartSession(c *gin.Context) {
	info, err := s.pool.RestartSession(c.Param("id"))
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}
