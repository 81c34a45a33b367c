package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/kernel/runtime"
)

// LocalLauncher runs the interpreter directly on the host.
type LocalLauncher struct {
	logger *logger.Logger
}

// NewLocalLauncher creates a launcher for host-local kernel processes.
func NewLocalLauncher(log *logger.Logger) *LocalLauncher {
	return &LocalLauncher{
		logger: log.WithFields(zap.String("component", "local-launcher")),
	}
}

func (l *LocalLauncher) Name() string { return "local" }

// Probe checks that the runtime's interpreter binary is on PATH.
func (l *LocalLauncher) Probe(_ context.Context, rt runtime.Runtime) error {
	if rt.Command == "" {
		return fmt.Errorf("runtime %q has no command", rt.Name)
	}
	if _, err := exec.LookPath(rt.Command); err != nil {
		return fmt.Errorf("interpreter %q not found: %w", rt.Command, err)
	}
	return nil
}

// Launch starts the runtime's runner process with stdio pipes attached.
func (l *LocalLauncher) Launch(ctx context.Context, spec Spec) (Transport, error) {
	argv := spec.Runtime.Argv()
	if len(argv) == 0 {
		return nil, fmt.Errorf("runtime %q has no command", spec.Runtime.Name)
	}

	// NOTE: We intentionally don't use exec.CommandContext here because the
	// kernel process must outlive the context of the call that spawned it.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	t := &localTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
		logger: l.logger.WithKernelID(spec.KernelID).WithFields(zap.Int("pid", cmd.Process.Pid)),
	}

	go t.drainStderr()
	go t.waitForExit()

	t.logger.Debug("kernel process started", zap.String("command", argv[0]))
	return t, nil
}

type localTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	stdinOnce sync.Once
	done      chan struct{}
	logger    *logger.Logger
}

func (t *localTransport) Stdin() io.Writer  { return t.stdin }
func (t *localTransport) Stdout() io.Reader { return t.stdout }

func (t *localTransport) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *localTransport) Done() <-chan struct{} { return t.done }

func (t *localTransport) Describe() string {
	return "pid " + strconv.Itoa(t.cmd.Process.Pid)
}

// Close closes stdin to let the runner exit on its own, then kills it when
// ctx expires first.
func (t *localTransport) Close(ctx context.Context) error {
	t.stdinOnce.Do(func() {
		_ = t.stdin.Close()
	})

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
	}

	t.logger.Warn("kernel process did not exit in time, killing")
	if err := t.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill kernel process: %w", err)
	}
	<-t.done
	return nil
}

// drainStderr keeps the runner's stderr flowing into the log. Execution
// output travels over the protocol, so anything here is interpreter noise
// or a startup failure.
func (t *localTransport) drainStderr() {
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		t.logger.Debug("kernel stderr", zap.String("line", scanner.Text()))
	}
}

func (t *localTransport) waitForExit() {
	defer close(t.done)

	err := t.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			t.logger.Debug("kernel process exited", zap.Int("exit_code", exitErr.ExitCode()))
		} else {
			t.logger.Debug("kernel process wait failed", zap.Error(err))
		}
		return
	}
	t.logger.Debug("kernel process exited", zap.Int("exit_code", 0))
}
