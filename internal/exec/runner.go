// Package exec runs one-shot shell commands for callers that want a plain
// command rather than a live interpreter. Commands run through `sh -lc` in
// their own process group, output lands in a memory-bounded ring buffer,
// and stopping escalates from SIGTERM to SIGKILL after a grace period.
// Results share the kernel execution shape so the tool layer is
// indifferent to which path ran the command.
package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/kernel"
)

const (
	defaultShell       = "sh"
	defaultGracePeriod = 2 * time.Second
	defaultBufferBytes = 2 * 1024 * 1024

	// drainTimeout bounds how long a force-killed command may hold Run up.
	// A backgrounded grandchild that escaped the process group can keep
	// the output pipes open; closing them unblocks the readers.
	drainTimeout = 2 * time.Second
)

// Request describes one command execution.
type Request struct {
	Command string
	WorkDir string
	Env     map[string]string
	Timeout time.Duration
	// Output optionally receives chunks as they arrive. The runner never
	// closes the channel and stops forwarding once ctx is cancelled.
	Output chan<- kernel.OutputChunk
}

// Options configures a Runner. Zero values fall back to defaults.
type Options struct {
	Shell          string        // shell binary, default "sh"
	GracePeriod    time.Duration // SIGTERM to SIGKILL escalation delay
	BufferMaxBytes int64         // output ring buffer cap per command
}

// Runner executes shell commands. Calls are independent; any number of
// commands may run concurrently, and StopAll reaches everything still in
// flight at shutdown.
type Runner struct {
	shell  string
	grace  time.Duration
	bufMax int64
	logger *logger.Logger

	mu      sync.Mutex
	running map[string]*command
}

// command tracks one in-flight process so StopAll can reach it.
type command struct {
	id       string
	cmd      *osexec.Cmd
	pipes    []io.Closer
	finished chan struct{} // closed once Wait has returned
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewRunner creates a runner with the given options.
func NewRunner(opts Options, log *logger.Logger) *Runner {
	shell := opts.Shell
	if shell == "" {
		shell = defaultShell
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	bufMax := opts.BufferMaxBytes
	if bufMax <= 0 {
		bufMax = defaultBufferBytes
	}
	return &Runner{
		shell:   shell,
		grace:   grace,
		bufMax:  bufMax,
		logger:  log.WithFields(zap.String("component", "shell-runner")),
		running: make(map[string]*command),
	}
}

// Run executes the command and blocks until it finishes, times out, or ctx
// is cancelled. A timeout or cancellation interrupts the whole process
// group, SIGTERM first and SIGKILL once the grace period expires. The
// result carries the same cancelled/timedOut flags and timeout annotation
// as a kernel execution; completed commands report their real exit code.
func (r *Runner) Run(ctx context.Context, req Request) (kernel.Result, error) {
	if req.Command == "" {
		return kernel.Result{}, errors.New("command is required")
	}

	cmd := osexec.Command(r.shell, "-lc", req.Command)
	cmd.Dir = req.WorkDir
	if len(req.Env) > 0 {
		cmd.Env = mergeEnv(req.Env)
	}
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return kernel.Result{}, fmt.Errorf("attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return kernel.Result{}, fmt.Errorf("attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return kernel.Result{}, fmt.Errorf("start shell: %w", err)
	}
	start := time.Now()

	c := &command{
		id:       uuid.New().String(),
		cmd:      cmd,
		pipes:    []io.Closer{stdout, stderr},
		finished: make(chan struct{}),
	}
	r.track(c)
	defer r.untrack(c)

	r.logger.Debug("shell command started",
		zap.String("command_id", c.id),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("work_dir", req.WorkDir),
	)

	buf := newRingBuffer(r.bufMax)
	var readers sync.WaitGroup
	readers.Add(2)
	go r.readStream(ctx, req.Output, buf, stdout, "stdout", &readers)
	go r.readStream(ctx, req.Output, buf, stderr, "stderr", &readers)

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		err := cmd.Wait()
		close(c.finished)
		done <- err
	}()

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var cancelled, timedOut bool
	var waitErr error
	select {
	case waitErr = <-done:
		cancelled = c.stopped.Load()
	case <-timeoutCh:
		cancelled, timedOut = true, true
		_ = r.terminate(ctx, c)
		waitErr = <-done
	case <-ctx.Done():
		// The caller is gone but the grace period is still honored, so
		// terminate runs against a fresh context.
		cancelled = true
		_ = r.terminate(context.Background(), c)
		waitErr = <-done
	}

	res := kernel.Result{
		Output:    buf.text(),
		Cancelled: cancelled,
		TimedOut:  timedOut,
		Duration:  time.Since(start),
	}
	if !cancelled {
		code := exitStatus(waitErr)
		res.ExitCode = &code
	}
	if timedOut {
		res.Output = kernel.AppendTimeoutNotice(res.Output, req.Timeout)
	}

	r.logger.Debug("shell command finished",
		zap.String("command_id", c.id),
		zap.Bool("cancelled", cancelled),
		zap.Bool("timed_out", timedOut),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// StopAll terminates every command still in flight, used at shutdown.
// Errors are joined and returned after everything was attempted.
func (r *Runner) StopAll(ctx context.Context) error {
	r.mu.Lock()
	cmds := make([]*command, 0, len(r.running))
	for _, c := range r.running {
		cmds = append(cmds, c)
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range cmds {
		if err := r.terminate(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(cmds) > 0 {
		r.logger.Info("stopped running shell commands", zap.Int("count", len(cmds)))
	}
	return errors.Join(errs...)
}

// Running reports how many commands are currently in flight.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// terminate stops the process group, giving it the grace period between
// SIGTERM and SIGKILL. Cancelling ctx cuts the grace short. Safe to call
// more than once; later calls return immediately while the first one is
// still working.
func (r *Runner) terminate(ctx context.Context, c *command) error {
	var killErr error
	c.stopped.Store(true)
	c.stopOnce.Do(func() {
		pid := c.cmd.Process.Pid
		_ = terminateGroup(pid)

		select {
		case <-c.finished:
			return
		case <-ctx.Done():
		case <-time.After(r.grace):
		}

		r.logger.Warn("shell command ignored SIGTERM, killing process group",
			zap.String("command_id", c.id),
			zap.Int("pid", pid),
		)
		if err := killGroup(pid); err != nil {
			killErr = fmt.Errorf("kill command %s (pid %d): %w", c.id, pid, err)
		}

		select {
		case <-c.finished:
		case <-time.After(drainTimeout):
			for _, p := range c.pipes {
				_ = p.Close()
			}
		}
	})
	return killErr
}

// readStream drains one pipe into the ring buffer, forwarding chunks to
// the caller's channel until ctx is cancelled. The channel is never closed
// here; Run returning is the completion signal.
func (r *Runner) readStream(ctx context.Context, out chan<- kernel.OutputChunk, buf *ringBuffer, pipe io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	forward := out != nil
	data := make([]byte, 4096)
	for {
		n, err := pipe.Read(data)
		if n > 0 {
			text := string(data[:n])
			buf.append(stream, text)
			if forward {
				select {
				case out <- kernel.OutputChunk{Name: stream, Text: text}:
				case <-ctx.Done():
					forward = false
				}
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				r.logger.Debug("shell output read error",
					zap.String("stream", stream),
					zap.Error(err),
				)
			}
			return
		}
	}
}

func (r *Runner) track(c *command) {
	r.mu.Lock()
	r.running[c.id] = c
	r.mu.Unlock()
}

func (r *Runner) untrack(c *command) {
	r.mu.Lock()
	delete(r.running, c.id)
	r.mu.Unlock()
}

// mergeEnv layers the per-command variables over the parent environment.
func mergeEnv(env map[string]string) []string {
	parent := os.Environ()
	merged := make([]string, 0, len(parent)+len(env))
	for _, entry := range parent {
		if key, _, ok := strings.Cut(entry, "="); ok {
			if _, shadowed := env[key]; shadowed {
				continue
			}
		}
		merged = append(merged, entry)
	}
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	return merged
}
