package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleListSessions reports every pooled session with its derived state.
func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.svc.Sessions()})
}

// handleDisposeSession shuts down one session kernel and forgets the key.
func (s *Server) handleDisposeSession(c *gin.Context) {
	key := c.Param("key")
	if err := s.svc.DisposeSession(c.Request.Context(), key); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disposed", "session_key": key})
}

// handleResetSession replaces one session's kernel with a fresh one.
func (s *Server) handleResetSession(c *gin.Context) {
	key := c.Param("key")
	if err := s.svc.ResetSession(c.Request.Context(), key); err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("failed to reset session",
				zap.String("session_key", key),
				zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset", "session_key": key})
}
