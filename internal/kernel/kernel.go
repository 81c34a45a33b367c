// Package kernel manages long-lived interpreter processes. A Kernel wraps
// one runner process behind the wire protocol and exposes execute, health
// probing, interruption and shutdown; the pool layers keying and reuse on
// top of it.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/kernel/launcher"
	"github.com/rzp-labs/kernelhost/internal/kernel/protocol"
	"github.com/rzp-labs/kernelhost/internal/kernel/runtime"
	"github.com/rzp-labs/kernelhost/internal/tracing"
)

// forceCloseTimeout bounds how long a forced teardown waits before the
// transport kills the process outright.
const forceCloseTimeout = 2 * time.Second

// Kernel is one live interpreter process. All exported fields are set at
// spawn time and never change; liveness is tracked internally.
type Kernel struct {
	ID              string
	RuntimeName     string
	WorkDir         string
	PID             int
	ProtocolVersion string
	SpawnedAt       time.Time

	transport      launcher.Transport
	client         *protocol.Client
	interruptGrace time.Duration
	logger         *logger.Logger

	dead         atomic.Bool
	shutdownOnce sync.Once
}

// Spawner creates kernels from a runtime registry and a launcher. The
// startup timeout bounds the readiness handshake unless the runtime's
// manifest entry overrides it.
type Spawner struct {
	launcher       launcher.Launcher
	registry       *runtime.Registry
	startupTimeout time.Duration
	interruptGrace time.Duration
	logger         *logger.Logger
}

func NewSpawner(l launcher.Launcher, registry *runtime.Registry, startupTimeout, interruptGrace time.Duration, log *logger.Logger) *Spawner {
	return &Spawner{
		launcher:       l,
		registry:       registry,
		startupTimeout: startupTimeout,
		interruptGrace: interruptGrace,
		logger:         log,
	}
}

// Probe checks whether a kernel for the named runtime could be spawned,
// without spawning one: the runtime must exist in the registry and the
// launcher must consider it startable.
func (s *Spawner) Probe(ctx context.Context, runtimeName string) error {
	rt, err := s.registry.Lookup(runtimeName)
	if err != nil {
		return err
	}
	return s.launcher.Probe(ctx, rt)
}

// Spawn launches a kernel for the named runtime and waits for its
// readiness handshake. Any failure before the handshake completes is a
// SpawnError and leaves no process behind.
func (s *Spawner) Spawn(ctx context.Context, runtimeName, workDir string) (*Kernel, error) {
	rt, err := s.registry.Lookup(runtimeName)
	if err != nil {
		return nil, &SpawnError{Runtime: runtimeName, Err: err}
	}

	id := uuid.New().String()
	log := s.logger.WithKernelID(id)

	ctx, span := tracing.TraceKernelSpawn(ctx, id, runtimeName, s.launcher.Name())
	defer span.End()

	transport, err := s.launcher.Launch(ctx, launcher.Spec{
		KernelID: id,
		Runtime:  rt,
		WorkDir:  workDir,
	})
	if err != nil {
		return nil, &SpawnError{Runtime: runtimeName, Err: err}
	}

	client := protocol.NewClient(transport.Stdin(), transport.Stdout(), log)

	timeout := s.startupTimeout
	if rt.HandshakeTimeoutSeconds > 0 || timeout <= 0 {
		timeout = rt.HandshakeTimeout()
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := client.WaitReady(handshakeCtx)
	if err != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), forceCloseTimeout)
		defer closeCancel()
		if cerr := transport.Close(closeCtx); cerr != nil {
			log.Debug("failed to clean up kernel after handshake failure", zap.Error(cerr))
		}
		return nil, &SpawnError{Runtime: runtimeName, Err: fmt.Errorf("readiness handshake: %w", err)}
	}

	k := &Kernel{
		ID:              id,
		RuntimeName:     runtimeName,
		WorkDir:         workDir,
		PID:             info.PID,
		ProtocolVersion: info.Version,
		SpawnedAt:       time.Now(),
		transport:       transport,
		client:          client,
		interruptGrace:  s.interruptGrace,
		logger:          log,
	}
	go k.watchExit()

	log.Info("kernel ready",
		zap.String("runtime", runtimeName),
		zap.Int("pid", info.PID),
		zap.String("process", transport.Describe()))
	return k, nil
}

// watchExit flips the kernel to dead as soon as the process goes away, so
// IsAlive stays accurate between calls.
func (k *Kernel) watchExit() {
	<-k.transport.Done()
	k.dead.Store(true)
	k.logger.Debug("kernel process exited", zap.String("process", k.transport.Describe()))
}

// IsAlive reports whether the kernel can plausibly serve a call. It is a
// local check only; use Ping to verify the runner actually responds.
func (k *Kernel) IsAlive() bool {
	return !k.dead.Load() && k.transport.Alive() && !k.client.Closed()
}

// Ping round-trips a probe through the runner. A lost connection surfaces
// as a DeadKernelError so callers can route to respawn handling.
func (k *Kernel) Ping(ctx context.Context) error {
	if !k.IsAlive() {
		return &DeadKernelError{KernelID: k.ID}
	}
	if err := k.client.Ping(ctx); err != nil {
		if errors.Is(err, protocol.ErrClosed) {
			k.dead.Store(true)
			return &DeadKernelError{KernelID: k.ID, Err: err}
		}
		return fmt.Errorf("kernel %s ping: %w", k.ID, err)
	}
	return nil
}

// Interrupt asks the runner to abort the current evaluation. Failure to
// deliver the interrupt means the process is unreachable and surfaces as
// an InterruptFailure.
func (k *Kernel) Interrupt() error {
	if err := k.client.Interrupt(); err != nil {
		return &InterruptFailure{KernelID: k.ID, Reason: "interrupt not delivered", Err: err}
	}
	return nil
}

// Shutdown tears the kernel down. It never fails: a polite shutdown op is
// attempted, then the transport closes the process however it must. Safe
// to call multiple times and on already-dead kernels.
func (k *Kernel) Shutdown(ctx context.Context) {
	k.shutdownOnce.Do(func() {
		k.dead.Store(true)

		ctx, span := tracing.TraceKernelShutdown(ctx, k.ID)
		defer span.End()

		if err := k.client.SendShutdown(); err != nil && !errors.Is(err, protocol.ErrClosed) {
			k.logger.Debug("shutdown op not delivered", zap.Error(err))
		}
		if err := k.transport.Close(ctx); err != nil {
			k.logger.Debug("kernel transport close failed", zap.Error(err))
		}
		k.logger.Info("kernel shut down", zap.String("runtime", k.RuntimeName))
	})
}

// forceClose kills the process without the polite shutdown op. Used when
// the runner stopped responding to the protocol.
func (k *Kernel) forceClose() {
	k.dead.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), forceCloseTimeout)
	defer cancel()
	if err := k.transport.Close(ctx); err != nil {
		k.logger.Debug("kernel force close failed", zap.Error(err))
	}
}
