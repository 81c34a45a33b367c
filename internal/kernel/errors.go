package kernel

import (
	"errors"
	"fmt"
)

// SpawnError indicates the kernel process failed to start or to complete
// its readiness handshake. Not retried here; the pool may respawn on the
// next call.
type SpawnError struct {
	Runtime string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s kernel: %v", e.Runtime, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// DeadKernelError indicates an operation targeted a kernel whose process
// has exited. The pool recovers from the first occurrence by respawning
// and retrying once.
type DeadKernelError struct {
	KernelID string
	Err      error
}

func (e *DeadKernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kernel %s is dead: %v", e.KernelID, e.Err)
	}
	return fmt.Sprintf("kernel %s is dead", e.KernelID)
}

func (e *DeadKernelError) Unwrap() error { return e.Err }

// InterruptFailure indicates a cancellation or timeout signal could not be
// delivered because the process is already gone, or was ignored past the
// grace period. Treated as a dead-kernel outcome.
type InterruptFailure struct {
	KernelID string
	Reason   string
	Err      error
}

func (e *InterruptFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to interrupt kernel %s: %s: %v", e.KernelID, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to interrupt kernel %s: %s", e.KernelID, e.Reason)
}

func (e *InterruptFailure) Unwrap() error { return e.Err }

// IsKernelGone reports whether err represents a kernel that can no longer
// serve calls, in any of its taxonomy forms.
func IsKernelGone(err error) bool {
	var dead *DeadKernelError
	var intr *InterruptFailure
	return errors.As(err, &dead) || errors.As(err, &intr)
}
