package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/settings"
	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

// handleGetSettings returns the effective settings.
func (s *Server) handleGetSettings(c *gin.Context) {
	cfg, err := s.settings.Get(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to read settings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// handleUpdateSettings applies a partial settings update and returns the
// effective settings afterwards.
func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req v1.UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	cfg, err := s.settings.Update(c.Request.Context(), req)
	if err != nil {
		var invalid *settings.ValidationError
		if errors.As(err, &invalid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("failed to update settings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}
