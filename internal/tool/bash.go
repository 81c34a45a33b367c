package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/exec"
	"github.com/rzp-labs/kernelhost/internal/kernel"
	"github.com/rzp-labs/kernelhost/internal/settings"
	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

// BashTool runs one-shot shell commands through the shared runner. No
// kernel is involved, so there is nothing to resolve.
type BashTool struct {
	runner   *exec.Runner
	settings *settings.Service
	timeout  time.Duration
	logger   *logger.Logger
}

// NewBashTool creates the bash tool. timeout applies to requests that
// carry none.
func NewBashTool(runner *exec.Runner, svc *settings.Service, timeout time.Duration, log *logger.Logger) *BashTool {
	return &BashTool{
		runner:   runner,
		settings: svc,
		timeout:  timeout,
		logger:   log.WithFields(zap.String("component", "bash-tool")),
	}
}

// BashRequest is one bash tool invocation.
type BashRequest struct {
	Command string
	WorkDir string

	// Timeout overrides the tool default.
	Timeout time.Duration

	// Output optionally receives chunks live.
	Output chan<- kernel.OutputChunk
}

// Execute runs the command when the tool mode allows shell execution.
func (t *BashTool) Execute(ctx context.Context, req BashRequest) (kernel.Result, error) {
	if req.Command == "" {
		return kernel.Result{}, errors.New("command is required")
	}

	cfg, err := t.settings.Get(ctx)
	if err != nil {
		return kernel.Result{}, fmt.Errorf("read settings: %w", err)
	}
	if cfg.PythonToolMode == v1.PythonToolModeIPyOnly {
		return kernel.Result{}, ErrBashToolDisabled
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}
	return t.runner.Run(ctx, exec.Request{
		Command: req.Command,
		WorkDir: req.WorkDir,
		Timeout: timeout,
		Output:  req.Output,
	})
}
