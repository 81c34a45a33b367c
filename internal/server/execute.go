package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

// handleExecute runs one request to completion and returns the mapped
// result. Streaming callers use the WebSocket variant instead.
func (s *Server) handleExecute(c *gin.Context) {
	var req v1.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := validateExecuteRequest(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.svc.Execute(c.Request.Context(), req, nil)
	if err != nil {
		s.logger.Error("execution failed", zap.Error(err))
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// validateExecuteRequest rejects values the service would otherwise have
// to guess about. Gin's binding already enforces the code field on the
// HTTP path; the WebSocket path relies on this check alone.
func validateExecuteRequest(req *v1.ExecuteRequest) error {
	if req.Code == "" {
		return errors.New("code is required")
	}
	switch v1.ExecutionMode(req.Mode) {
	case "", v1.ExecutionModeSession, v1.ExecutionModePerCall:
	default:
		return fmt.Errorf("invalid mode %q", req.Mode)
	}
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds < 0 {
		return fmt.Errorf("invalid timeout_seconds %d", *req.TimeoutSeconds)
	}
	return nil
}
