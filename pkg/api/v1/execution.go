package v1

import "time"

// ExecutionMode selects how a kernel is bound to an execute request.
type ExecutionMode string

const (
	// ExecutionModeSession reuses one kernel per session key.
	ExecutionModeSession ExecutionMode = "session"
	// ExecutionModePerCall spawns a fresh kernel for every request.
	ExecutionModePerCall ExecutionMode = "per-call"
)

// DefaultSessionKey is the session used when a request names none.
const DefaultSessionKey = "default"

// RawStatus is the interpreter-level outcome of an execution.
type RawStatus string

const (
	RawStatusOK    RawStatus = "ok"
	RawStatusError RawStatus = "error"
)

// ExecuteRequest asks the service to run a piece of code.
type ExecuteRequest struct {
	Code           string  `json:"code" binding:"required"`
	SessionKey     string  `json:"session_key,omitempty"`
	Mode           string  `json:"mode,omitempty"` // session, per-call; empty uses the configured default
	Reset          bool    `json:"reset,omitempty"`
	TimeoutSeconds *int    `json:"timeout_seconds,omitempty"` // nil uses the configured default, 0 disables
	Runtime        string  `json:"runtime,omitempty"`         // runtime name, empty uses the configured default
	WorkingDir     *string `json:"working_dir,omitempty"`
}

// ExecuteResponse is the mapped result of one execution.
type ExecuteResponse struct {
	ExecutionID    string    `json:"execution_id"`
	ExitCode       *int      `json:"exit_code"` // absent when the call was cancelled by timeout
	Output         string    `json:"output"`
	Cancelled      bool      `json:"cancelled"`
	TimedOut       bool      `json:"timed_out"`
	StdinRequested bool      `json:"stdin_requested"`
	RawStatus      RawStatus `json:"raw_status"`
	ErrorType      string    `json:"error_type,omitempty"` // interpreter exception type, when raw_status is "error"
	DurationMS     int64     `json:"duration_ms"`
}

// OutputChunkMessage is one streamed output frame on the execute WebSocket.
type OutputChunkMessage struct {
	Type   string `json:"type"` // "chunk"
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// ResultMessage is the final frame on the execute WebSocket.
type ResultMessage struct {
	Type   string          `json:"type"` // "result"
	Result ExecuteResponse `json:"result"`
}

// ErrorMessage reports a failure on the execute WebSocket.
type ErrorMessage struct {
	Type  string `json:"type"` // "error"
	Error string `json:"error"`
}

// SessionInfo describes one pooled kernel.
type SessionInfo struct {
	SessionKey string    `json:"session_key"`
	KernelID   string    `json:"kernel_id"`
	Runtime    string    `json:"runtime"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	Executions int64     `json:"executions"`
}

// StatusResponse summarizes the pool.
type StatusResponse struct {
	Kernels       int   `json:"kernels"`
	InFlight      int   `json:"in_flight"`
	KernelsTotal  int64 `json:"kernels_total"`
	KernelEnabled bool  `json:"kernel_enabled"`
}

// ExecutionRecord is one persisted history row.
type ExecutionRecord struct {
	ID             string    `json:"id"`
	SessionKey     *string   `json:"session_key,omitempty"`
	Mode           string    `json:"mode"`
	Runtime        string    `json:"runtime"`
	RawStatus      string    `json:"raw_status"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	Cancelled      bool      `json:"cancelled"`
	TimedOut       bool      `json:"timed_out"`
	StdinRequested bool      `json:"stdin_requested"`
	OutputBytes    int       `json:"output_bytes"`
	DurationMS     int64     `json:"duration_ms"`
	StartedAt      time.Time `json:"started_at"`
}
