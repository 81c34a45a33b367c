// Package server provides the HTTP and WebSocket API for the kernel
// manager: code execution, pooled session inspection, settings, execution
// history and the interactive PTY shell.
package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/httpmw"
	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/exec"
	"github.com/rzp-labs/kernelhost/internal/kernel"
	"github.com/rzp-labs/kernelhost/internal/settings"
	"github.com/rzp-labs/kernelhost/internal/shell"
)

// Server is the HTTP API server for the kernel manager.
type Server struct {
	svc      *ExecutionService
	settings *settings.Service
	runner   *exec.Runner
	shell    *shell.Manager
	logger   *logger.Logger
	router   *gin.Engine

	upgrader websocket.Upgrader
}

// NewServer creates the API server around an already-wired service layer.
// runner backs the one-shot shell endpoint; shellMgr may be nil, which
// turns the PTY endpoints into service-unavailable responses.
func NewServer(svc *ExecutionService, settingsSvc *settings.Service, runner *exec.Runner, shellMgr *shell.Manager, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		svc:      svc,
		settings: settingsSvc,
		runner:   runner,
		shell:    shellMgr,
		logger:   log.WithFields(zap.String("component", "api-server")),
		router:   gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin,
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())
	s.router.Use(httpmw.RequestLogger(s.logger, "kernelhost"))
	s.router.Use(httpmw.OtelTracing("kernelhost"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP router
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)

		// Code execution
		api.POST("/execute", s.handleExecute)
		api.GET("/execute/stream", s.handleExecuteStream)

		// Pooled sessions
		api.GET("/sessions", s.handleListSessions)
		api.DELETE("/sessions/:key", s.handleDisposeSession)
		api.POST("/sessions/:key/reset", s.handleResetSession)

		// Settings
		api.GET("/settings", s.handleGetSettings)
		api.PUT("/settings", s.handleUpdateSettings)

		// Execution history
		api.GET("/history", s.handleHistory)

		// Shell: one-shot commands plus the PTY session
		api.POST("/shell/execute", s.handleShellExecute)
		api.POST("/shell/start", s.handleShellStart)
		api.GET("/shell/status", s.handleShellStatus)
		api.GET("/shell/buffer", s.handleShellBuffer)
		api.GET("/shell/screen", s.handleShellScreen)
		api.POST("/shell/input", s.handleShellInput)
		api.POST("/shell/resize", s.handleShellResize)
	}
}

// Health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Status())
}

// errorStatus maps service errors onto HTTP status codes.
func errorStatus(err error) int {
	var busy *BusyError
	var spawn *kernel.SpawnError
	var invalid *settings.ValidationError
	switch {
	case errors.As(err, &busy):
		return http.StatusConflict
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &spawn):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrHistoryDisabled):
		return http.StatusServiceUnavailable
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// checkWebSocketOrigin validates the Origin header for WebSocket upgrades.
// Non-browser clients send no origin and are allowed; browsers must come
// from localhost or the same host the request targets.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if colonIdx := strings.LastIndex(host, ":"); colonIdx != -1 {
		if !strings.Contains(host, "]") || colonIdx > strings.Index(host, "]") {
			host = host[:colonIdx]
		}
	}

	return originURL.Hostname() == host
}
