// Package shell maintains the single interactive PTY shell behind the
// terminal API. The shell is started once per server, respawned with
// backoff when it dies on its own, and fans its output out to subscriber
// channels while a virtual terminal tracker keeps a renderable screen for
// idle detection.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/events"
	"github.com/rzp-labs/kernelhost/internal/events/bus"
)

const (
	// Respawn backoff: doubles after each quick death, resets once the
	// shell stays up for healthyUptime.
	respawnDelayMin = 100 * time.Millisecond
	respawnDelayMax = 5 * time.Second
	healthyUptime   = 10 * time.Second

	// How long Stop waits for the shell to exit before killing it.
	stopTimeout = 5 * time.Second
)

// Config holds shell session settings.
type Config struct {
	WorkDir    string
	Cols       int
	Rows       int
	Command    string   // shell override, detected from the OS otherwise
	Args       []string // argument override for Command
	Scrollback int      // retained output bytes for late subscribers
}

// DefaultConfig returns the standard session configuration.
func DefaultConfig(workDir string) Config {
	return Config{
		WorkDir:    workDir,
		Cols:       120,
		Rows:       40,
		Scrollback: 256 * 1024,
	}
}

// Status describes the current shell process.
type Status struct {
	Running   bool
	Idle      bool
	Pid       int
	Shell     string
	Cwd       string
	StartedAt time.Time
}

// Session is the interactive shell owned by the server. It respawns the
// shell when it exits on its own; Stop ends it for good.
type Session struct {
	logger *logger.Logger
	bus    bus.EventBus

	workDir   string
	shell     string
	shellArgs []string

	tracker *Tracker

	mu           sync.RWMutex
	config       Config
	handle       PtyHandle
	cmd          *exec.Cmd
	running      bool
	stopping     bool
	startedAt    time.Time
	respawnDelay time.Duration

	subMu       sync.RWMutex
	subscribers map[chan<- []byte]struct{}

	bufMu         sync.RWMutex
	scrollback    []byte
	scrollbackMax int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSession starts the shell and begins reading its output. The event bus
// is optional; lifecycle events are skipped when it is nil.
func NewSession(cfg Config, eventBus bus.EventBus, log *logger.Logger) (*Session, error) {
	shell, args := detectShell()
	if cfg.Command != "" {
		shell = cfg.Command
		if len(cfg.Args) > 0 {
			args = cfg.Args
		} else {
			args = defaultShellArgs(shell)
		}
	}

	def := DefaultConfig(cfg.WorkDir)
	if cfg.Cols <= 0 {
		cfg.Cols = def.Cols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = def.Rows
	}
	if cfg.Scrollback <= 0 {
		cfg.Scrollback = def.Scrollback
	}

	s := &Session{
		logger:        log.WithFields(zap.String("component", "shell")),
		bus:           eventBus,
		workDir:       cfg.WorkDir,
		shell:         shell,
		shellArgs:     args,
		config:        cfg,
		tracker:       NewTracker(cfg.Cols, cfg.Rows, 0),
		respawnDelay:  respawnDelayMin,
		subscribers:   make(map[chan<- []byte]struct{}),
		scrollbackMax: cfg.Scrollback,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	s.mu.Lock()
	err := s.spawnLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// spawnLocked starts the shell process. Caller holds s.mu.
func (s *Session) spawnLocked() error {
	cmd := exec.Command(s.shell, s.shellArgs...)
	cmd.Dir = s.workDir
	cmd.Env = buildShellEnv(s.workDir)

	handle, err := startPTY(cmd, s.config.Cols, s.config.Rows)
	if err != nil {
		return fmt.Errorf("start shell pty: %w", err)
	}

	s.cmd = cmd
	s.handle = handle
	s.running = true
	s.startedAt = time.Now()

	s.logger.Info("shell session started",
		zap.String("shell", s.shell),
		zap.String("cwd", s.workDir),
		zap.Int("pid", cmd.Process.Pid))

	go s.readOutput(handle)
	go s.waitForExit(cmd, handle)

	s.publish(events.ShellStarted, map[string]interface{}{
		"pid":   cmd.Process.Pid,
		"shell": s.shell,
		"cwd":   s.workDir,
	})
	return nil
}

// Stop terminates the shell and prevents any further respawn. Safe to call
// more than once.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	handle := s.handle
	cmd := s.cmd
	s.mu.Unlock()

	s.logger.Info("stopping shell session")
	close(s.stopCh)

	// Closing the PTY hangs up the shell.
	if handle != nil {
		_ = handle.Close()
	}

	select {
	case <-s.doneCh:
		s.logger.Info("shell session stopped")
	case <-time.After(stopTimeout):
		s.logger.Warn("shell ignored hangup, killing it")
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	return nil
}

// Write sends input bytes to the shell.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || s.handle == nil {
		return 0, fmt.Errorf("shell is not running")
	}
	return s.handle.Write(data)
}

// Resize changes the terminal dimensions for the running shell and for any
// future respawn.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}

	s.mu.Lock()
	s.config.Cols = cols
	s.config.Rows = rows
	handle := s.handle
	running := s.running
	s.mu.Unlock()

	s.tracker.Resize(cols, rows)
	if !running || handle == nil {
		return nil
	}
	return handle.Resize(uint16(cols), uint16(rows))
}

// Status reports the shell process state. Idle is true when the shell looks
// ready for the next command.
func (s *Session) Status() Status {
	s.mu.RLock()
	st := Status{
		Running:   s.running,
		Shell:     s.shell,
		Cwd:       s.workDir,
		StartedAt: s.startedAt,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.Pid = s.cmd.Process.Pid
	}
	s.mu.RUnlock()

	if st.Running {
		st.Idle = s.tracker.Idle()
	}
	return st
}

// Screen returns the rendered terminal lines as currently visible.
func (s *Session) Screen() []string {
	return s.tracker.Screen()
}

// Size reports the configured terminal dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Cols, s.config.Rows
}

// Idle reports whether shell output has settled on a prompt.
func (s *Session) Idle() bool {
	return s.tracker.Idle()
}

// Subscribe registers a channel to receive raw output chunks. Delivery is
// best effort; chunks are dropped when the channel is full.
func (s *Session) Subscribe(ch chan<- []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers[ch] = struct{}{}
}

// Unsubscribe removes a previously registered channel.
func (s *Session) Unsubscribe(ch chan<- []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subscribers, ch)
}

// Scrollback returns a copy of the retained output, oldest first.
func (s *Session) Scrollback() []byte {
	s.bufMu.RLock()
	defer s.bufMu.RUnlock()
	if len(s.scrollback) == 0 {
		return nil
	}
	out := make([]byte, len(s.scrollback))
	copy(out, s.scrollback)
	return out
}

// readOutput pumps PTY output into the tracker, the scrollback buffer and
// the subscribers until the handle is closed.
func (s *Session) readOutput(handle PtyHandle) {
	buf := make([]byte, 4096)
	for {
		n, err := handle.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.tracker.Write(data)
			s.broadcast(data)
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				s.logger.Debug("shell read ended", zap.Error(err))
			}
			return
		}
	}
}

// broadcast stores output and fans it out without blocking on a slow
// subscriber.
func (s *Session) broadcast(data []byte) {
	s.appendScrollback(data)

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- data:
		default:
			// Full channel drops the chunk for that subscriber.
		}
	}
}

func (s *Session) appendScrollback(data []byte) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	s.scrollback = append(s.scrollback, data...)
	if len(s.scrollback) > s.scrollbackMax {
		s.scrollback = s.scrollback[len(s.scrollback)-s.scrollbackMax:]
	}
}

// waitForExit reaps the shell and respawns it unless the session is
// stopping. Each successful spawn runs exactly one waitForExit, so doneCh
// is closed exactly once, by whichever generation observes the stop.
func (s *Session) waitForExit(cmd *exec.Cmd, handle PtyHandle) {
	_ = waitShell(cmd)
	_ = handle.Close()

	s.mu.Lock()
	s.running = false
	stopping := s.stopping
	if time.Since(s.startedAt) >= healthyUptime {
		s.respawnDelay = respawnDelayMin
	}
	delay := s.respawnDelay
	s.respawnDelay = min(2*delay, respawnDelayMax)
	s.mu.Unlock()

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	s.publish(events.ShellExited, map[string]interface{}{
		"pid":        pid,
		"respawning": !stopping,
	})

	if stopping {
		close(s.doneCh)
		return
	}

	s.logger.Info("shell exited, respawning",
		zap.Int("pid", pid),
		zap.Duration("delay", delay))

	select {
	case <-s.stopCh:
		close(s.doneCh)
		return
	case <-time.After(delay):
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		close(s.doneCh)
		return
	}
	err := s.spawnLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("failed to respawn shell", zap.Error(err))
		close(s.doneCh)
	}
}

// publish emits a lifecycle event. The event type doubles as the subject,
// there being a single shell per server.
func (s *Session) publish(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "kernelhost", data)
	if err := s.bus.Publish(context.Background(), eventType, evt); err != nil {
		s.logger.Warn("failed to publish shell event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// detectShell picks the shell to run for the current OS.
func detectShell() (string, []string) {
	if runtime.GOOS == "windows" {
		for _, candidate := range []string{"pwsh.exe", "powershell.exe"} {
			if _, err := exec.LookPath(candidate); err == nil {
				return candidate, []string{"-NoLogo", "-NoExit"}
			}
		}
		return "cmd.exe", nil
	}

	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	for _, candidate := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, []string{"-l"}
		}
	}
	return "/bin/sh", nil
}

// defaultShellArgs returns the standard arguments for an explicitly
// configured shell command.
func defaultShellArgs(command string) []string {
	if runtime.GOOS == "windows" {
		lower := strings.ToLower(command)
		if strings.Contains(lower, "pwsh") || strings.Contains(lower, "powershell") {
			return []string{"-NoLogo", "-NoExit"}
		}
		return nil
	}
	return []string{"-l"}
}

// buildShellEnv extends the parent environment with the terminal settings
// an interactive shell expects on a PTY.
func buildShellEnv(workDir string) []string {
	env := os.Environ()
	env = append(env,
		"PWD="+workDir,
		"TERM=xterm-256color",
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	)
	return env
}
