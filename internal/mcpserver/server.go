// Package mcpserver exposes the python and bash execution tools over the
// Model Context Protocol. Both transports are served from one listener:
//   - SSE (/sse, /message) for clients like Claude Desktop and Cursor
//   - streamable HTTP (/mcp) for clients like Codex
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/tool"
	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

// Config holds the MCP server configuration.
type Config struct {
	Port int
}

// Tools are the executors the server registers. Registration mirrors the
// python tool mode in force at startup; the tools re-check the persisted
// mode on every call, so a later settings change still applies to calls
// against an already-registered tool.
type Tools struct {
	Python *tool.PythonTool
	Bash   *tool.BashTool
	Mode   v1.PythonToolMode
}

// Server wraps the SSE and streamable HTTP transports with lifecycle
// management.
type Server struct {
	cfg   Config
	tools Tools

	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates an MCP server serving the given tools.
func New(cfg Config, tools Tools, log *logger.Logger) *Server {
	return &Server{
		cfg:    cfg,
		tools:  tools,
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start starts both transports on one port and returns once the listener
// is accepting. Port 0 asks the OS for a free port; Port() reports the
// real one afterwards.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"kernelhost",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	count := registerTools(mcpServer, s.tools, s.logger)
	s.logger.Info("registered MCP tools",
		zap.Int("count", count),
		zap.String("python_tool_mode", string(s.tools.Mode)))

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts the listener and both transports down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	// The transport servers track per-client sessions of their own; shut
	// them down too so nothing lingers.
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown streamable HTTP server", zap.Error(err))
		}
	}

	return nil
}

// Port reports the port the server is listening on.
func (s *Server) Port() int {
	return s.cfg.Port
}

// SSEEndpoint returns the SSE URL for clients that use that transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
