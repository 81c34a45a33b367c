package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/kernel"
	"github.com/rzp-labs/kernelhost/internal/tool"
	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

// registerTools adds the tools the python tool mode allows and reports
// how many were registered.
func registerTools(s *server.MCPServer, tools Tools, log *logger.Logger) int {
	count := 0

	if tools.Python != nil && tools.Mode != v1.PythonToolModeBashOnly {
		s.AddTool(
			mcp.NewTool("python",
				mcp.WithDescription(
					"Execute python code in a persistent interpreter session. "+
						"Variables, imports and definitions survive between calls that share a session_key.",
				),
				mcp.WithString("code",
					mcp.Required(),
					mcp.Description("The python code to execute"),
				),
				mcp.WithString("session_key",
					mcp.Description("Calls with the same key share one interpreter (default \"default\")"),
				),
				mcp.WithBoolean("reset",
					mcp.Description("Discard the session's interpreter state before running"),
				),
				mcp.WithNumber("timeout_seconds",
					mcp.Description("Abort the execution after this many seconds"),
				),
			),
			pythonHandler(tools.Python, log),
		)
		count++
	}

	if tools.Bash != nil && tools.Mode != v1.PythonToolModeIPyOnly {
		s.AddTool(
			mcp.NewTool("bash",
				mcp.WithDescription("Run a shell command and return its combined output."),
				mcp.WithString("command",
					mcp.Required(),
					mcp.Description("The shell command to run"),
				),
				mcp.WithString("workdir",
					mcp.Description("Working directory for the command"),
				),
				mcp.WithNumber("timeout_seconds",
					mcp.Description("Abort the command after this many seconds"),
				),
			),
			bashHandler(tools.Bash, log),
		)
		count++
	}

	return count
}

func pythonHandler(py *tool.PythonTool, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		code, err := req.RequireString("code")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, err := py.Execute(ctx, tool.PythonRequest{
			Code:       code,
			SessionKey: req.GetString("session_key", ""),
			Reset:      req.GetBool("reset", false),
			Timeout:    time.Duration(req.GetInt("timeout_seconds", 0)) * time.Second,
		})
		if err != nil {
			log.Error("python tool execution failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return formatResult(res), nil
	}
}

func bashHandler(bash *tool.BashTool, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		command, err := req.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, err := bash.Execute(ctx, tool.BashRequest{
			Command: command,
			WorkDir: req.GetString("workdir", ""),
			Timeout: time.Duration(req.GetInt("timeout_seconds", 0)) * time.Second,
		})
		if err != nil {
			log.Error("bash tool execution failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return formatResult(res), nil
	}
}

// formatResult renders an execution outcome as a tool result. Interpreter
// failures, timeouts, and non-zero exits come back as tool errors so the
// calling agent sees them as such; the captured output is carried either
// way.
func formatResult(res kernel.Result) *mcp.CallToolResult {
	text := res.Output
	if text == "" {
		text = "(no output)"
	}
	switch {
	case res.TimedOut:
		return mcp.NewToolResultError(text)
	case res.ErrorType != "":
		return mcp.NewToolResultError(text)
	case res.ExitCode != nil && *res.ExitCode != 0:
		return mcp.NewToolResultError(fmt.Sprintf("%s\n(exit code %d)", res.Output, *res.ExitCode))
	default:
		return mcp.NewToolResultText(text)
	}
}
