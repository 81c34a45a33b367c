package v1

// PythonToolMode selects which execution tools are offered to the agent.
type PythonToolMode string

const (
	// PythonToolModeBoth offers the kernel-backed python tool with a shell fallback.
	PythonToolModeBoth PythonToolMode = "both"
	// PythonToolModeIPyOnly offers only the kernel-backed python tool.
	PythonToolModeIPyOnly PythonToolMode = "ipy-only"
	// PythonToolModeBashOnly offers only the shell tool.
	PythonToolModeBashOnly PythonToolMode = "bash-only"
)

// Settings is the persisted tool configuration.
type Settings struct {
	PythonToolMode PythonToolMode `json:"python_tool_mode"`
	KernelMode     ExecutionMode  `json:"kernel_mode"`
}

// UpdateSettingsRequest updates one or both settings fields.
type UpdateSettingsRequest struct {
	PythonToolMode *string `json:"python_tool_mode,omitempty"`
	KernelMode     *string `json:"kernel_mode,omitempty"`
}
