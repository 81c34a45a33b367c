// Package events provides event types and utilities for the kernelhost
// event system.
package events

// Event types for kernel lifecycle
const (
	KernelReady    = "kernel.ready"    // Readiness handshake completed
	KernelExited   = "kernel.exited"   // Process observed gone outside a shutdown
	KernelReset    = "kernel.reset"    // Session kernel replaced on request
	KernelShutdown = "kernel.shutdown" // Deliberate teardown
)

// Event types for executions
const (
	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	ExecutionTimeout   = "execution.timeout"
)

// Event types for the PTY shell session. Output is not an event: it
// streams through subscriber channels, not the bus.
const (
	ShellStarted = "shell.started"
	ShellExited  = "shell.exited"
)

// Event types for settings
const (
	SettingsUpdated = "settings.updated"
)

// BuildKernelSubject creates a kernel lifecycle subject scoped to one kernel
func BuildKernelSubject(eventType, kernelID string) string {
	return eventType + "." + kernelID
}

// BuildKernelWildcardSubject creates a wildcard subscription for all kernel lifecycle events
func BuildKernelWildcardSubject() string {
	return "kernel.>"
}

// BuildExecutionSubject creates an execution subject scoped to one execution
func BuildExecutionSubject(eventType, executionID string) string {
	return eventType + "." + executionID
}

// BuildExecutionWildcardSubject creates a wildcard subscription for all execution events
func BuildExecutionWildcardSubject() string {
	return "execution.>"
}

// BuildShellWildcardSubject creates a wildcard subscription for all shell lifecycle events
func BuildShellWildcardSubject() string {
	return "shell.>"
}
