// Package protocol implements the JSON-lines wire protocol spoken between
// kernelhost and an interpreter runner over the runner's stdin/stdout.
//
// Requests carry a client-assigned id. The runner answers with a matching
// "result" (or "pong") line and may interleave "stream" notifications for
// the in-flight execution. The "interrupt" and "shutdown" ops carry no id
// and are never answered directly.
package protocol

// Commands sent to the runner.
const (
	OpExecute   = "execute"
	OpInterrupt = "interrupt"
	OpPing      = "ping"
	OpShutdown  = "shutdown"
)

// Message types received from the runner.
const (
	TypeReady  = "ready"
	TypeStream = "stream"
	TypeResult = "result"
	TypePong   = "pong"
)

// Execution status values reported by the runner.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// command is a line written to the runner.
type command struct {
	Op   string `json:"op"`
	ID   uint64 `json:"id,omitempty"`
	Code string `json:"code,omitempty"`
	Cwd  string `json:"cwd,omitempty"`
}

// message is a line read from the runner. One struct covers all incoming
// types; unused fields stay at their zero values.
type message struct {
	Type           string       `json:"type"`
	ID             uint64       `json:"id,omitempty"`
	Version        string       `json:"version,omitempty"`
	PID            int          `json:"pid,omitempty"`
	Name           string       `json:"name,omitempty"`
	Text           string       `json:"text,omitempty"`
	Status         string       `json:"status,omitempty"`
	Cancelled      bool         `json:"cancelled,omitempty"`
	StdinRequested bool         `json:"stdin_requested,omitempty"`
	Error          *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail describes an interpreter-level failure.
type ErrorDetail struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// ReadyInfo is the runner's readiness handshake payload.
type ReadyInfo struct {
	Version string
	PID     int
}

// StreamChunk is one piece of incremental output from an execution.
type StreamChunk struct {
	Name string // stdout or stderr
	Text string
}

// ExecResult is the raw outcome of one execute call as the runner reported
// it. Timeout and caller-cancellation flags are layered on above this
// package; Cancelled here only records that the evaluation was interrupted.
type ExecResult struct {
	Status         string
	Cancelled      bool
	StdinRequested bool
	Error          *ErrorDetail
}
