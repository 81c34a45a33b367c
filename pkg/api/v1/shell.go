package v1

// ShellExecuteRequest runs a one-shot command through the fallback executor.
type ShellExecuteRequest struct {
	Command        string  `json:"command" binding:"required"`
	TimeoutSeconds *int    `json:"timeout_seconds,omitempty"`
	WorkingDir     *string `json:"working_dir,omitempty"`
}

// ShellExecuteResponse is the result of a one-shot command.
type ShellExecuteResponse struct {
	ExitCode   *int   `json:"exit_code"`
	Output     string `json:"output"`
	Cancelled  bool   `json:"cancelled"`
	TimedOut   bool   `json:"timed_out"`
	DurationMS int64  `json:"duration_ms"`
}

// ShellStartRequest starts (or restarts) the interactive PTY session.
type ShellStartRequest struct {
	Command string `json:"command,omitempty"` // empty uses the configured login shell
	Rows    int    `json:"rows,omitempty"`
	Cols    int    `json:"cols,omitempty"`
}

// ShellStatusResponse reports the PTY session state.
type ShellStatusResponse struct {
	Running   bool   `json:"running"`
	Idle      bool   `json:"idle"`
	Pid       int    `json:"pid,omitempty"`
	Shell     string `json:"shell,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
}

// ShellBufferResponse returns the PTY scrollback buffer.
type ShellBufferResponse struct {
	Data string `json:"data"`
}

// ShellScreenResponse returns the rendered terminal screen.
type ShellScreenResponse struct {
	Lines []string `json:"lines"`
	Rows  int      `json:"rows"`
	Cols  int      `json:"cols"`
}

// ShellInputRequest writes bytes to the PTY session.
type ShellInputRequest struct {
	Data string `json:"data" binding:"required"`
}

// ShellResizeRequest resizes the PTY.
type ShellResizeRequest struct {
	Rows int `json:"rows" binding:"required"`
	Cols int `json:"cols" binding:"required"`
}
