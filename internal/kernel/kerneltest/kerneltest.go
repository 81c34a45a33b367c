// Package kerneltest provides an in-memory launcher whose kernels are
// driven by a Go handler instead of a real interpreter process. Tests use
// it to exercise the kernel and pool layers without spawning anything.
package kerneltest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rzp-labs/kernelhost/internal/kernel/launcher"
	"github.com/rzp-labs/kernelhost/internal/kernel/runtime"
)

// ExecCall is one execute op as seen by a fake runner handler.
type ExecCall struct {
	Code string
	Cwd  string

	// Interrupted is closed when an interrupt op arrives while this call
	// is in flight.
	Interrupted <-chan struct{}

	// Killed is closed when the fake process is torn down. Handlers that
	// ignore interrupts must select on it so they do not leak.
	Killed <-chan struct{}

	runner *Transport
	id     uint64
}

// Emit writes a stream chunk for this execution.
func (c *ExecCall) Emit(name, text string) {
	c.runner.writeMsg(wireMessage{Type: "stream", ID: c.id, Name: name, Text: text})
}

// Crash kills the fake process immediately, before any result line. The
// client observes EOF, as it would for a real interpreter crash.
func (c *ExecCall) Crash() {
	c.runner.kill()
}

// ExecOutcome is what a handler reports back for an execute op. A zero
// value means a clean, empty success.
type ExecOutcome struct {
	Status         string // defaults to "ok"
	Cancelled      bool
	StdinRequested bool
	ErrorType      string
	ErrorMessage   string
}

// Handler runs one execute op. It is invoked in its own goroutine; pings
// and interrupts are serviced concurrently, like a real runner.
type Handler func(call *ExecCall) ExecOutcome

// EchoHandler emits the submitted code on stdout and succeeds. It is the
// default when a Launcher has no handler.
func EchoHandler(call *ExecCall) ExecOutcome {
	call.Emit("stdout", call.Code)
	return ExecOutcome{}
}

// Launcher is an in-memory launcher.Launcher. The zero value launches
// echo kernels.
type Launcher struct {
	// Handler runs each execute op. Nil means EchoHandler.
	Handler Handler

	// SkipHandshake suppresses the ready line so spawns time out.
	SkipHandshake bool

	// LaunchErr, when set, fails every Launch before any process exists.
	LaunchErr error

	// ProbeErr, when set, makes every availability probe fail.
	ProbeErr error

	mu       sync.Mutex
	launched []*Transport
	probes   int
}

func (l *Launcher) Name() string { return "fake" }

func (l *Launcher) Probe(_ context.Context, _ runtime.Runtime) error {
	l.mu.Lock()
	l.probes++
	l.mu.Unlock()
	return l.ProbeErr
}

// Probes reports how many availability probes this launcher has answered.
func (l *Launcher) Probes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.probes
}

func (l *Launcher) Launch(_ context.Context, spec launcher.Spec) (launcher.Transport, error) {
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}

	l.mu.Lock()
	pid := 40000 + len(l.launched)
	t := newTransport(pid, l.Handler, !l.SkipHandshake)
	l.launched = append(l.launched, t)
	l.mu.Unlock()

	go t.serve()
	return t, nil
}

// Spawned reports how many kernels this launcher has launched.
func (l *Launcher) Spawned() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

// Launched returns every transport this launcher produced, oldest first.
func (l *Launcher) Launched() []*Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Transport(nil), l.launched...)
}

type wireCommand struct {
	Op   string `json:"op"`
	ID   uint64 `json:"id,omitempty"`
	Code string `json:"code,omitempty"`
	Cwd  string `json:"cwd,omitempty"`
}

type wireError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

type wireMessage struct {
	Type           string     `json:"type"`
	ID             uint64     `json:"id,omitempty"`
	Version        string     `json:"version,omitempty"`
	PID            int        `json:"pid,omitempty"`
	Name           string     `json:"name,omitempty"`
	Text           string     `json:"text,omitempty"`
	Status         string     `json:"status,omitempty"`
	Cancelled      bool       `json:"cancelled,omitempty"`
	StdinRequested bool       `json:"stdin_requested,omitempty"`
	Error          *wireError `json:"error,omitempty"`
}

// Transport is one fake kernel process. It satisfies launcher.Transport.
type Transport struct {
	pid       int
	handler   Handler
	handshake bool

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	writeMu sync.Mutex

	mu     sync.Mutex
	active map[uint64]chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newTransport(pid int, handler Handler, handshake bool) *Transport {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &Transport{
		pid:       pid,
		handler:   handler,
		handshake: handshake,
		stdinR:    stdinR,
		stdinW:    stdinW,
		stdoutR:   stdoutR,
		stdoutW:   stdoutW,
		active:    make(map[uint64]chan struct{}),
		done:      make(chan struct{}),
	}
}

func (t *Transport) Stdin() io.Writer  { return t.stdinW }
func (t *Transport) Stdout() io.Reader { return t.stdoutR }

func (t *Transport) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Describe() string { return fmt.Sprintf("fake pid %d", t.pid) }

func (t *Transport) Close(ctx context.Context) error {
	_ = t.stdinW.Close()
	select {
	case <-t.done:
	case <-ctx.Done():
		t.kill()
	}
	return nil
}

// serve is the fake runner main loop. It answers pings and routes
// interrupts inline while executes run on their own goroutines.
func (t *Transport) serve() {
	defer t.kill()

	if t.handshake {
		t.writeMsg(wireMessage{Type: "ready", Version: "1", PID: t.pid})
	}

	scanner := bufio.NewScanner(t.stdinR)
	for scanner.Scan() {
		var cmd wireCommand
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			continue
		}
		switch cmd.Op {
		case "execute":
			intr := make(chan struct{})
			t.mu.Lock()
			t.active[cmd.ID] = intr
			t.mu.Unlock()
			go t.runExec(cmd, intr)
		case "interrupt":
			t.mu.Lock()
			for id, ch := range t.active {
				close(ch)
				delete(t.active, id)
			}
			t.mu.Unlock()
		case "ping":
			t.writeMsg(wireMessage{Type: "pong", ID: cmd.ID})
		case "shutdown":
			return
		}
	}
}

func (t *Transport) runExec(cmd wireCommand, intr chan struct{}) {
	call := &ExecCall{
		Code:        cmd.Code,
		Cwd:         cmd.Cwd,
		Interrupted: intr,
		Killed:      t.done,
		runner:      t,
		id:          cmd.ID,
	}

	h := t.handler
	if h == nil {
		h = EchoHandler
	}
	out := h(call)

	t.mu.Lock()
	delete(t.active, cmd.ID)
	t.mu.Unlock()

	if out.Status == "" {
		out.Status = "ok"
	}
	msg := wireMessage{
		Type:           "result",
		ID:             cmd.ID,
		Status:         out.Status,
		Cancelled:      out.Cancelled,
		StdinRequested: out.StdinRequested,
	}
	if out.ErrorType != "" || out.ErrorMessage != "" {
		msg.Error = &wireError{Type: out.ErrorType, Message: out.ErrorMessage}
	}
	t.writeMsg(msg)
}

func (t *Transport) writeMsg(msg wireMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, _ = t.stdoutW.Write(data)
}

// kill tears the process down from any state: both pipe ends close and
// Done reports exit. Idempotent.
func (t *Transport) kill() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.stdoutW.Close()
		_ = t.stdinR.Close()
		_ = t.stdinW.Close()
		_ = t.stdoutR.Close()
	})
}
