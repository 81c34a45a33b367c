package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"go.uber.org/zap"
)

// ErrClosed indicates the runner connection is gone. Callers waiting on an
// in-flight operation receive it when the runner's stdout reaches EOF.
var ErrClosed = errors.New("runner connection closed")

// Client speaks the kernel protocol over a runner's stdin/stdout streams.
// One read loop correlates result lines to pending calls and routes stream
// notifications to the in-flight execution.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Uint64

	mu       sync.Mutex
	execs    map[uint64]*Execution
	pings    map[uint64]chan struct{}
	readyMsg ReadyInfo
	ready    chan struct{}

	writeMu sync.Mutex

	logger *logger.Logger
	done   chan struct{}
}

// Execution is one in-flight execute call. Chunks delivers output in arrival
// order and is closed when the result settles; Done is closed once Result
// and Err are readable.
type Execution struct {
	id     uint64
	chunks chan StreamChunk
	done   chan struct{}
	result *ExecResult
	err    error
}

// Chunks returns the ordered stream of output for this execution. The
// channel is closed when the execution settles or the connection is lost.
func (e *Execution) Chunks() <-chan StreamChunk { return e.chunks }

// Done is closed once the execution has settled.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Wait blocks until the execution settles or ctx fires. The execution is
// not abandoned on ctx expiry; a later Wait still observes the settlement.
func (e *Execution) Wait(ctx context.Context) (*ExecResult, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewClient creates a client over the given streams and starts its read loop.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	c := &Client{
		stdin:  stdin,
		stdout: stdout,
		execs:  make(map[uint64]*Execution),
		pings:  make(map[uint64]chan struct{}),
		ready:  make(chan struct{}),
		logger: log.WithFields(zap.String("component", "kernel-protocol")),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// WaitReady blocks until the runner's readiness handshake arrives.
func (c *Client) WaitReady(ctx context.Context) (ReadyInfo, error) {
	select {
	case <-c.ready:
		c.mu.Lock()
		info := c.readyMsg
		c.mu.Unlock()
		return info, nil
	case <-c.done:
		return ReadyInfo{}, ErrClosed
	case <-ctx.Done():
		return ReadyInfo{}, ctx.Err()
	}
}

// StartExecute submits code for evaluation and returns the in-flight
// execution. The caller must drain Chunks until it closes; output delivery
// applies backpressure to the runner otherwise.
func (c *Client) StartExecute(code, cwd string) (*Execution, error) {
	id := c.requestID.Add(1)

	exec := &Execution{
		id:     id,
		chunks: make(chan StreamChunk, 64),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.execs[id] = exec
	c.mu.Unlock()

	if err := c.send(command{Op: OpExecute, ID: id, Code: code, Cwd: cwd}); err != nil {
		c.mu.Lock()
		delete(c.execs, id)
		c.mu.Unlock()
		return nil, err
	}
	return exec, nil
}

// Ping sends a round-trip probe and waits for the matching pong.
func (c *Client) Ping(ctx context.Context) error {
	id := c.requestID.Add(1)

	pongCh := make(chan struct{}, 1)
	c.mu.Lock()
	c.pings[id] = pongCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pings, id)
		c.mu.Unlock()
	}()

	if err := c.send(command{Op: OpPing, ID: id}); err != nil {
		return err
	}

	select {
	case <-pongCh:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt asks the runner to abort the current evaluation. A write
// failure means the interrupt could not be delivered.
func (c *Client) Interrupt() error {
	return c.send(command{Op: OpInterrupt})
}

// SendShutdown asks the runner to exit on its own. Best-effort; the
// transport escalates to a kill when the process lingers.
func (c *Client) SendShutdown() error {
	return c.send(command{Op: OpShutdown})
}

// Closed reports whether the read loop has observed EOF.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseNotify returns a channel closed when the connection is lost.
func (c *Client) CloseNotify() <-chan struct{} { return c.done }

func (c *Client) send(cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.failPending()

	scanner := bufio.NewScanner(c.stdout)
	// Increase buffer size for large output lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("discarding unparseable runner line", zap.ByteString("data", line))
			continue
		}

		switch msg.Type {
		case TypeReady:
			c.handleReady(&msg)
		case TypeStream:
			c.handleStream(&msg)
		case TypeResult:
			c.handleResult(&msg)
		case TypePong:
			c.handlePong(&msg)
		default:
			c.logger.Warn("received unknown message type", zap.String("type", msg.Type))
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("runner read loop ended", zap.Error(err))
	}
}

func (c *Client) handleReady(msg *message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.ready:
		c.logger.Warn("received duplicate ready handshake")
	default:
		c.readyMsg = ReadyInfo{Version: msg.Version, PID: msg.PID}
		close(c.ready)
	}
}

func (c *Client) handleStream(msg *message) {
	c.mu.Lock()
	exec, ok := c.execs[msg.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("received stream for unknown execution", zap.Uint64("id", msg.ID))
		return
	}

	// Blocking send preserves arrival order. The kernel layer drains this
	// channel until it closes, so a stalled send here only paces the runner
	// while the consumer is behind.
	exec.chunks <- StreamChunk{Name: msg.Name, Text: msg.Text}
}

func (c *Client) handleResult(msg *message) {
	c.mu.Lock()
	exec, ok := c.execs[msg.ID]
	if ok {
		delete(c.execs, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("received result for unknown execution", zap.Uint64("id", msg.ID))
		return
	}

	exec.result = &ExecResult{
		Status:         msg.Status,
		Cancelled:      msg.Cancelled,
		StdinRequested: msg.StdinRequested,
		Error:          msg.Error,
	}
	close(exec.chunks)
	close(exec.done)
}

func (c *Client) handlePong(msg *message) {
	c.mu.Lock()
	ch, ok := c.pings[msg.ID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// failPending settles every outstanding operation with ErrClosed. Runs once,
// after the read loop exits.
func (c *Client) failPending() {
	c.mu.Lock()
	execs := c.execs
	c.execs = make(map[uint64]*Execution)
	c.mu.Unlock()

	for _, exec := range execs {
		exec.err = ErrClosed
		close(exec.chunks)
		close(exec.done)
	}
	close(c.done)
}
