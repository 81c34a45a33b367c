package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/exec"
	"github.com/rzp-labs/kernelhost/internal/kernel"
	"github.com/rzp-labs/kernelhost/internal/kernel/pool"
	"github.com/rzp-labs/kernelhost/internal/settings"
	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

// PythonOptions configure a PythonTool.
type PythonOptions struct {
	// Runtime names the manifest runtime used for pooled executions.
	Runtime string

	// Interpreter is the binary one-shot fallback runs pipe code into.
	// Defaults to python3.
	Interpreter string

	// Timeout applies when a request carries none.
	Timeout time.Duration
}

// PythonTool runs python code. The pooled kernel is the primary path; in
// both mode an unavailable kernel degrades to a one-shot interpreter run
// through the shell runner, losing session state but not the ability to
// execute.
type PythonTool struct {
	resolution Resolution
	runner     *exec.Runner
	settings   *settings.Service
	opts       PythonOptions
	logger     *logger.Logger
}

// NewPythonTool creates the python tool around an already-resolved
// availability outcome.
func NewPythonTool(res Resolution, runner *exec.Runner, svc *settings.Service, opts PythonOptions, log *logger.Logger) *PythonTool {
	if opts.Interpreter == "" {
		opts.Interpreter = "python3"
	}
	return &PythonTool{
		resolution: res,
		runner:     runner,
		settings:   svc,
		opts:       opts,
		logger:     log.WithFields(zap.String("component", "python-tool")),
	}
}

// PythonRequest is one python tool invocation.
type PythonRequest struct {
	Code       string
	SessionKey string
	WorkDir    string

	// Mode overrides the persisted kernel mode for this call.
	Mode v1.ExecutionMode

	// Reset discards the session kernel before running.
	Reset bool

	// Timeout overrides the tool default.
	Timeout time.Duration

	// Output optionally receives chunks live.
	Output chan<- kernel.OutputChunk
}

// Execute runs the code. Availability was settled at tool creation;
// per-call work only consults settings for the mode defaults.
func (t *PythonTool) Execute(ctx context.Context, req PythonRequest) (kernel.Result, error) {
	if req.Code == "" {
		return kernel.Result{}, errors.New("code is required")
	}

	cfg, err := t.settings.Get(ctx)
	if err != nil {
		return kernel.Result{}, fmt.Errorf("read settings: %w", err)
	}
	if cfg.PythonToolMode == v1.PythonToolModeBashOnly {
		return kernel.Result{}, ErrPythonToolDisabled
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.opts.Timeout
	}

	if t.resolution.Usable() {
		mode := req.Mode
		if mode == "" {
			mode = cfg.KernelMode
		}
		return t.runPooled(ctx, mode, req, timeout)
	}

	if cfg.PythonToolMode == v1.PythonToolModeIPyOnly {
		return kernel.Result{}, fmt.Errorf("kernel unavailable: %s", t.resolution.Reason())
	}
	return t.runFallback(ctx, req, timeout)
}

func (t *PythonTool) runPooled(ctx context.Context, mode v1.ExecutionMode, req PythonRequest, timeout time.Duration) (kernel.Result, error) {
	poolReq := pool.Request{
		Code:    req.Code,
		WorkDir: req.WorkDir,
		Timeout: timeout,
		Runtime: t.opts.Runtime,
		Reset:   req.Reset,
		Output:  req.Output,
	}
	if mode == v1.ExecutionModePerCall {
		return t.resolution.Pool().ExecutePerCall(ctx, poolReq)
	}
	key := req.SessionKey
	if key == "" {
		key = v1.DefaultSessionKey
	}
	return t.resolution.Pool().ExecuteSession(ctx, key, poolReq)
}

// runFallback pipes the code into a one-shot interpreter via the shell
// runner. Variables do not survive between fallback runs.
func (t *PythonTool) runFallback(ctx context.Context, req PythonRequest, timeout time.Duration) (kernel.Result, error) {
	t.logger.Info("kernel unavailable, using one-shot interpreter",
		zap.String("reason", t.resolution.Reason()))
	return t.runner.Run(ctx, exec.Request{
		Command: heredocCommand(t.opts.Interpreter, req.Code),
		WorkDir: req.WorkDir,
		Timeout: timeout,
		Output:  req.Output,
	})
}

// heredocCommand feeds the code to the interpreter on stdin through a
// quoted heredoc: the code sees no shell expansion, and the random
// delimiter keeps code text from terminating the document early.
func heredocCommand(interpreter, code string) string {
	delim := "EOF_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	return interpreter + " - <<'" + delim + "'\n" + code + delim + "\n"
}
