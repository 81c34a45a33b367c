// Package tool implements the python and bash execution tools exposed
// over MCP and reused by the HTTP API. Creating a kernel-backed tool
// resolves interpreter availability exactly once; executions after that
// never re-probe.
package tool

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/kernel/pool"
)

var (
	// ErrPythonToolDisabled reports a python call while the tool mode is
	// bash-only.
	ErrPythonToolDisabled = errors.New("python tool is disabled in bash-only mode")

	// ErrBashToolDisabled reports a bash call while the tool mode is
	// ipy-only.
	ErrBashToolDisabled = errors.New("bash tool is disabled in ipy-only mode")
)

// Prober answers whether a kernel for the named runtime could be spawned
// right now. *kernel.Spawner implements it.
type Prober interface {
	Probe(ctx context.Context, runtimeName string) error
}

// Resolution is the outcome of the availability check made when a tool
// is created: either the pool may be used, or a reason it may not.
type Resolution struct {
	pool   *pool.Pool
	reason string
}

// Available marks the pooled-kernel path usable.
func Available(p *pool.Pool) Resolution { return Resolution{pool: p} }

// Unavailable marks the pooled-kernel path unusable.
func Unavailable(reason string) Resolution { return Resolution{reason: reason} }

// Usable reports whether the pooled-kernel path may be attempted.
func (r Resolution) Usable() bool { return r.pool != nil }

// Pool returns the pooled-kernel handle, nil when unavailable.
func (r Resolution) Pool() *pool.Pool { return r.pool }

// Reason explains an unavailable resolution.
func (r Resolution) Reason() string { return r.reason }

// Resolver performs the availability check for kernel-backed tools.
type Resolver struct {
	prober  Prober
	pool    *pool.Pool
	runtime string
	skip    bool
	logger  *logger.Logger
}

// NewResolver creates a resolver for the named runtime. skipCheck
// bypasses the probe entirely, for harnesses that guarantee their own
// interpreter environment.
func NewResolver(prober Prober, p *pool.Pool, runtimeName string, skipCheck bool, log *logger.Logger) *Resolver {
	return &Resolver{
		prober:  prober,
		pool:    p,
		runtime: runtimeName,
		skip:    skipCheck,
		logger:  log.WithFields(zap.String("component", "tool-resolver")),
	}
}

// Resolve probes kernel availability once and tags the outcome. With the
// skip flag set the pool is handed out unprobed.
func (r *Resolver) Resolve(ctx context.Context) Resolution {
	if r.skip {
		r.logger.Debug("kernel availability check skipped", zap.String("runtime", r.runtime))
		return Available(r.pool)
	}
	if err := r.prober.Probe(ctx, r.runtime); err != nil {
		r.logger.Warn("kernel unavailable",
			zap.String("runtime", r.runtime),
			zap.Error(err))
		return Unavailable(err.Error())
	}
	return Available(r.pool)
}
