package kernel

import (
	"fmt"
	"strings"
	"time"

	"github.com/rzp-labs/kernelhost/internal/kernel/protocol"
)

// RawResult is the kernel-level outcome of one execution before it is
// mapped into the caller-facing shape. Status and Error come straight off
// the wire; Cancelled and TimedOut reflect what actually happened to the
// call, including interrupts forced by the coordinator.
type RawResult struct {
	Status         string
	Cancelled      bool
	TimedOut       bool
	StdinRequested bool
	Error          *protocol.ErrorDetail
	Output         string
	Duration       time.Duration
}

// Result is what callers of the pool and the HTTP layer see. ExitCode is
// nil when the execution was cancelled while otherwise succeeding, which
// lets callers distinguish "ran to completion" from "stopped on request".
type Result struct {
	ExitCode       *int
	Output         string
	Cancelled      bool
	TimedOut       bool
	StdinRequested bool
	RawStatus      string
	ErrorType      string
	Duration       time.Duration
}

// MapResult converts a raw kernel outcome into the caller-facing result.
//
// An error status always maps to exit code 1, even when the run was also
// cancelled or timed out: a failure that happened to be interrupted is
// still a failure. A clean status maps to exit code 0 unless the run was
// cancelled, in which case the exit code is absent. Timeouts additionally
// annotate the output so the agent reading it knows why it stopped early.
func MapResult(raw RawResult, timeout time.Duration) Result {
	res := Result{
		Output:         raw.Output,
		Cancelled:      raw.Cancelled,
		TimedOut:       raw.TimedOut,
		StdinRequested: raw.StdinRequested,
		RawStatus:      raw.Status,
		Duration:       raw.Duration,
	}
	if raw.Error != nil {
		res.ErrorType = raw.Error.Type
	}

	switch {
	case raw.Status == protocol.StatusError:
		one := 1
		res.ExitCode = &one
	case raw.Cancelled:
		// Exit code stays absent.
	default:
		zero := 0
		res.ExitCode = &zero
	}

	if raw.TimedOut {
		res.Output = AppendTimeoutNotice(res.Output, timeout)
	}
	return res
}

// AppendTimeoutNotice appends the timeout annotation on its own line. The
// duration is reported in whole seconds, never less than one. Shared with
// the shell executor so timed-out output reads the same no matter which
// path ran the command.
func AppendTimeoutNotice(output string, timeout time.Duration) string {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	notice := fmt.Sprintf("Command timed out after %d seconds", secs)
	if output == "" {
		return notice
	}
	if !strings.HasSuffix(output, "\n") {
		return output + "\n" + notice
	}
	return output + notice
}
