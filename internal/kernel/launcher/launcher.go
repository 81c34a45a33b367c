// Package launcher starts kernel runner processes and exposes their stdio
// as a Transport. The local launcher runs the interpreter directly; the
// docker launcher runs it inside an interactive container.
package launcher

import (
	"context"
	"io"

	"github.com/rzp-labs/kernelhost/internal/kernel/runtime"
)

// Spec describes the kernel process to launch.
type Spec struct {
	KernelID string
	Runtime  runtime.Runtime
	WorkDir  string
	Env      []string // additional KEY=VALUE entries
}

// Transport is a live runner process. Stdin/Stdout carry the wire protocol;
// the transport drains the runner's stderr into the log on its own.
type Transport interface {
	// Stdin is the protocol write side.
	Stdin() io.Writer

	// Stdout is the protocol read side.
	Stdout() io.Reader

	// Alive reports whether the process has not been observed to exit.
	// Cheap local check, no round trip.
	Alive() bool

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Describe identifies the process for logs (pid or container id).
	Describe() string

	// Close tears the process down: closes stdin, waits for exit until ctx
	// expires, then kills. Safe to call more than once.
	Close(ctx context.Context) error
}

// Launcher spawns kernel transports.
type Launcher interface {
	// Name identifies the launcher kind ("local" or "docker") for logs
	// and traces.
	Name() string

	Launch(ctx context.Context, spec Spec) (Transport, error)

	// Probe reports whether a Launch for the runtime could plausibly
	// succeed right now, without starting anything. A nil error is a
	// cheap prediction, not a guarantee.
	Probe(ctx context.Context, rt runtime.Runtime) error
}
