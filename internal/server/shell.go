package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/exec"
	"github.com/rzp-labs/kernelhost/internal/shell"
	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

// handleShellExecute runs a one-shot command through the shell runner.
// This is the same executor the python tool falls back to.
func (s *Server) handleShellExecute(c *gin.Context) {
	var req v1.ShellExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	execReq := exec.Request{Command: req.Command}
	if req.WorkingDir != nil {
		execReq.WorkDir = *req.WorkingDir
	}
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds > 0 {
		execReq.Timeout = time.Duration(*req.TimeoutSeconds) * time.Second
	}

	res, err := s.runner.Run(c.Request.Context(), execReq)
	if err != nil {
		s.logger.Error("shell execution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, v1.ShellExecuteResponse{
		ExitCode:   res.ExitCode,
		Output:     res.Output,
		Cancelled:  res.Cancelled,
		TimedOut:   res.TimedOut,
		DurationMS: res.Duration.Milliseconds(),
	})
}

// handleShellStart starts the PTY session, replacing a running one. The
// body is optional; its fields override the configured shell for this
// start only.
func (s *Server) handleShellStart(c *gin.Context) {
	if s.shell == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shell not available"})
		return
	}

	var req v1.ShellStartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
	}

	sess, err := s.shell.Start(shell.StartOptions{
		Command: req.Command,
		Rows:    req.Rows,
		Cols:    req.Cols,
	})
	if err != nil {
		s.logger.Error("failed to start shell", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, shellStatusResponse(sess))
}

// handleShellStatus reports the PTY session state. A shell that was never
// started reads as not running rather than an error.
func (s *Server) handleShellStatus(c *gin.Context) {
	sess := s.shellSession()
	if sess == nil {
		c.JSON(http.StatusOK, v1.ShellStatusResponse{Running: false})
		return
	}
	c.JSON(http.StatusOK, shellStatusResponse(sess))
}

// handleShellBuffer returns the retained scrollback of the PTY session.
func (s *Server) handleShellBuffer(c *gin.Context) {
	sess := s.shellSession()
	if sess == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shell not running"})
		return
	}
	c.JSON(http.StatusOK, v1.ShellBufferResponse{Data: string(sess.Scrollback())})
}

// handleShellScreen returns the rendered terminal screen.
func (s *Server) handleShellScreen(c *gin.Context) {
	sess := s.shellSession()
	if sess == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shell not running"})
		return
	}
	cols, rows := sess.Size()
	c.JSON(http.StatusOK, v1.ShellScreenResponse{
		Lines: sess.Screen(),
		Rows:  rows,
		Cols:  cols,
	})
}

// handleShellInput writes input bytes to the PTY session.
func (s *Server) handleShellInput(c *gin.Context) {
	sess := s.shellSession()
	if sess == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shell not running"})
		return
	}

	var req v1.ShellInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if _, err := sess.Write([]byte(req.Data)); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleShellResize changes the PTY dimensions.
func (s *Server) handleShellResize(c *gin.Context) {
	sess := s.shellSession()
	if sess == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shell not running"})
		return
	}

	var req v1.ShellResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if err := sess.Resize(req.Cols, req.Rows); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// shellSession returns the live PTY session, nil when none was started.
func (s *Server) shellSession() *shell.Session {
	if s.shell == nil {
		return nil
	}
	return s.shell.Session()
}

func shellStatusResponse(sess *shell.Session) v1.ShellStatusResponse {
	st := sess.Status()
	cols, rows := sess.Size()
	resp := v1.ShellStatusResponse{
		Running: st.Running,
		Idle:    st.Idle,
		Pid:     st.Pid,
		Shell:   st.Shell,
		Cwd:     st.Cwd,
		Rows:    rows,
		Cols:    cols,
	}
	if !st.StartedAt.IsZero() {
		resp.StartedAt = st.StartedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
