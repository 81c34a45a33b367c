// Package pool manages kernel sessions keyed by caller-chosen strings.
// Each key owns at most one kernel; calls on the same key run one at a
// time while different keys proceed in parallel. The pool also serves
// one-shot executions that never share a kernel with anyone.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rzp-labs/kernelhost/internal/common/appctx"
	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/events"
	"github.com/rzp-labs/kernelhost/internal/events/bus"
	"github.com/rzp-labs/kernelhost/internal/kernel"
)

// disposeTimeout bounds kernel teardown when the caller's context is
// already gone.
const disposeTimeout = 10 * time.Second

// Options configure a Pool.
type Options struct {
	// Runtime is the default runtime for spawned kernels.
	Runtime string

	// ExecTimeout applies when a request carries no timeout of its own.
	ExecTimeout time.Duration

	// MaxKernels caps concurrently live kernels across all keys and
	// modes. Zero means unlimited.
	MaxKernels int64
}

// Request describes one pooled execution.
type Request struct {
	Code    string
	WorkDir string

	// Timeout overrides the pool's default execution timeout. Negative
	// disables the timeout outright.
	Timeout time.Duration

	// Runtime overrides the pool's default runtime. Only consulted when a
	// kernel has to be spawned; an existing session kernel keeps the
	// runtime it was created with.
	Runtime string

	// Reset, on a session call, shuts the keyed kernel down and spawns a
	// fresh one before running.
	Reset bool

	// Output optionally receives chunks live. Same contract as
	// kernel.ExecuteRequest.Output.
	Output chan<- kernel.OutputChunk
}

// SessionInfo is a point-in-time view of one keyed session.
type SessionInfo struct {
	Key       string    `json:"key"`
	KernelID  string    `json:"kernel_id"`
	Runtime   string    `json:"runtime"`
	PID       int       `json:"pid"`
	Alive     bool      `json:"alive"`
	SpawnedAt time.Time `json:"spawned_at"`
}

// session holds one key's kernel. mu serializes calls on the key; the
// kernel pointer is atomic so status reads never wait on an execution.
type session struct {
	mu     sync.Mutex
	kernel atomic.Pointer[kernel.Kernel]
}

// Pool owns every kernel in the process.
type Pool struct {
	spawner *kernel.Spawner
	bus     bus.EventBus
	logger  *logger.Logger

	defaultRuntime string
	execTimeout    time.Duration
	sem            *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*session

	spawned atomic.Int64
}

// New creates a pool. eventBus may be nil to disable lifecycle events.
func New(spawner *kernel.Spawner, eventBus bus.EventBus, opts Options, log *logger.Logger) *Pool {
	p := &Pool{
		spawner:        spawner,
		bus:            eventBus,
		logger:         log.WithFields(zap.String("component", "kernel-pool")),
		defaultRuntime: opts.Runtime,
		execTimeout:    opts.ExecTimeout,
		sessions:       make(map[string]*session),
	}
	if opts.MaxKernels > 0 {
		p.sem = semaphore.NewWeighted(opts.MaxKernels)
	}
	return p
}

// ExecuteSession runs code on the kernel owned by key, spawning it on
// first use. A kernel found dead, or dying mid-run, is replaced and the
// code retried exactly once; a failure on the retry surfaces. Calls on
// the same key are serialized for the full call, spawn included.
func (p *Pool) ExecuteSession(ctx context.Context, key string, req Request) (kernel.Result, error) {
	sess := p.entry(key)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	log := p.logger.WithSessionKey(key)

	if req.Reset {
		if k := sess.kernel.Load(); k != nil {
			log.Info("resetting session kernel", zap.String("kernel_id", k.ID))
			p.retire(ctx, sess, key, events.KernelReset)
		}
	}

	timeout := p.timeoutFor(req)
	retried := false
	for {
		k := sess.kernel.Load()
		if k == nil {
			spawned, err := p.spawn(ctx, p.runtimeFor(req), req.WorkDir, key)
			if err != nil {
				return kernel.Result{}, err
			}
			sess.kernel.Store(spawned)
			k = spawned
		}

		raw, err := k.Execute(ctx, kernel.ExecuteRequest{
			Code:    req.Code,
			WorkDir: req.WorkDir,
			Timeout: timeout,
			Output:  req.Output,
		})
		if err == nil {
			return kernel.MapResult(raw, timeout), nil
		}

		if kernel.IsKernelGone(err) {
			p.retire(ctx, sess, key, events.KernelExited)
		}

		// Retry only when the kernel itself failed, not the stop signal:
		// an execution that wedged its kernel past the interrupt grace
		// would wedge the replacement too.
		var dead *kernel.DeadKernelError
		if errors.As(err, &dead) && !retried && ctx.Err() == nil {
			retried = true
			log.Warn("session kernel died, respawning for one retry",
				zap.String("kernel_id", dead.KernelID))
			continue
		}
		return kernel.Result{}, err
	}
}

// ExecutePerCall spawns a dedicated kernel, runs code on it, and disposes
// it no matter how the execution went. Never retried.
func (p *Pool) ExecutePerCall(ctx context.Context, req Request) (kernel.Result, error) {
	k, err := p.spawn(ctx, p.runtimeFor(req), req.WorkDir, "")
	if err != nil {
		return kernel.Result{}, err
	}
	defer func() {
		// Teardown proceeds even when the caller is gone.
		dctx, cancel := appctx.Detached(ctx, nil, disposeTimeout)
		defer cancel()
		p.dispose(dctx, k, "", events.KernelShutdown)
	}()

	timeout := p.timeoutFor(req)
	raw, err := k.Execute(ctx, kernel.ExecuteRequest{
		Code:    req.Code,
		WorkDir: req.WorkDir,
		Timeout: timeout,
		Output:  req.Output,
	})
	if err != nil {
		return kernel.Result{}, err
	}
	return kernel.MapResult(raw, timeout), nil
}

// DisposeSession shuts down the kernel owned by key and forgets the key.
// It waits for an in-flight call on the key to finish first. Reports
// whether the key existed.
func (p *Pool) DisposeSession(ctx context.Context, key string) bool {
	p.mu.Lock()
	sess, ok := p.sessions[key]
	if ok {
		delete(p.sessions, key)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	p.retire(ctx, sess, key, events.KernelShutdown)
	return true
}

// ResetSession replaces the kernel owned by key with a fresh one, keeping
// the key registered. The new kernel keeps the runtime of the old one. It
// waits for an in-flight call on the key to finish first. Reports whether
// the key existed; a spawn failure leaves the key registered without a
// kernel, and the next execute spawns one.
func (p *Pool) ResetSession(ctx context.Context, key string) (bool, error) {
	p.mu.Lock()
	sess, ok := p.sessions[key]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	// The key may have been disposed while we waited for the lock.
	p.mu.Lock()
	current := p.sessions[key]
	p.mu.Unlock()
	if current != sess {
		return false, nil
	}

	runtimeName := p.defaultRuntime
	if old := sess.kernel.Load(); old != nil {
		runtimeName = old.RuntimeName
	}
	p.retire(ctx, sess, key, events.KernelReset)

	spawned, err := p.spawn(ctx, runtimeName, "", key)
	if err != nil {
		return true, err
	}
	sess.kernel.Store(spawned)
	return true, nil
}

// DisposeAll tears down every session kernel, in parallel. Best-effort
// and safe to call repeatedly; a second call finds nothing to do.
func (p *Pool) DisposeAll(ctx context.Context) {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*session)
	p.mu.Unlock()

	g := new(errgroup.Group)
	for key, sess := range sessions {
		g.Go(func() error {
			sess.mu.Lock()
			defer sess.mu.Unlock()
			p.retire(ctx, sess, key, events.KernelShutdown)
			return nil
		})
	}
	_ = g.Wait()
	p.logger.Info("disposed all session kernels", zap.Int("count", len(sessions)))
}

// SpawnedTotal reports how many kernels the pool has spawned since it
// was created, counting replaced and disposed ones.
func (p *Pool) SpawnedTotal() int64 {
	return p.spawned.Load()
}

// Sessions reports every keyed session. Safe to call while executions
// are in flight.
func (p *Pool) Sessions() []SessionInfo {
	p.mu.Lock()
	entries := make(map[string]*session, len(p.sessions))
	for key, sess := range p.sessions {
		entries[key] = sess
	}
	p.mu.Unlock()

	infos := make([]SessionInfo, 0, len(entries))
	for key, sess := range entries {
		k := sess.kernel.Load()
		if k == nil {
			continue
		}
		infos = append(infos, SessionInfo{
			Key:       key,
			KernelID:  k.ID,
			Runtime:   k.RuntimeName,
			PID:       k.PID,
			Alive:     k.IsAlive(),
			SpawnedAt: k.SpawnedAt,
		})
	}
	return infos
}

// entry returns the session for key, creating it if needed. Only the map
// access is locked; the caller locks the session itself.
func (p *Pool) entry(key string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[key]
	if !ok {
		sess = &session{}
		p.sessions[key] = sess
	}
	return sess
}

// spawn launches one kernel, holding a slot from the kernel cap while the
// kernel lives.
func (p *Pool) spawn(ctx context.Context, runtimeName, workDir, key string) (*kernel.Kernel, error) {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for a kernel slot: %w", err)
		}
	}

	k, err := p.spawner.Spawn(ctx, runtimeName, workDir)
	if err != nil {
		if p.sem != nil {
			p.sem.Release(1)
		}
		return nil, err
	}
	p.spawned.Add(1)

	p.publish(ctx, events.KernelReady, k, key)
	return k, nil
}

// retire clears the session's kernel and tears it down, returning its
// slot. No-op when the session has no kernel.
func (p *Pool) retire(ctx context.Context, sess *session, key, eventType string) {
	k := sess.kernel.Swap(nil)
	if k == nil {
		return
	}
	p.dispose(ctx, k, key, eventType)
}

// dispose shuts one kernel down and releases its slot.
func (p *Pool) dispose(ctx context.Context, k *kernel.Kernel, key, eventType string) {
	k.Shutdown(ctx)
	if p.sem != nil {
		p.sem.Release(1)
	}
	p.publish(ctx, eventType, k, key)
}

func (p *Pool) publish(ctx context.Context, eventType string, k *kernel.Kernel, key string) {
	if p.bus == nil {
		return
	}
	data := map[string]interface{}{
		"kernel_id": k.ID,
		"runtime":   k.RuntimeName,
		"pid":       k.PID,
	}
	if key != "" {
		data["session_key"] = key
	}
	subject := events.BuildKernelSubject(eventType, k.ID)
	if err := p.bus.Publish(ctx, subject, bus.NewEvent(eventType, "kernelhost", data)); err != nil {
		p.logger.Warn("failed to publish kernel event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (p *Pool) runtimeFor(req Request) string {
	if req.Runtime != "" {
		return req.Runtime
	}
	return p.defaultRuntime
}

func (p *Pool) timeoutFor(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if req.Timeout < 0 {
		return 0
	}
	return p.execTimeout
}
