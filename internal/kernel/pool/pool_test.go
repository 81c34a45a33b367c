package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/events"
	"github.com/rzp-labs/kernelhost/internal/events/bus"
	"github.com/rzp-labs/kernelhost/internal/kernel"
	"github.com/rzp-labs/kernelhost/internal/kernel/kerneltest"
	"github.com/rzp-labs/kernelhost/internal/kernel/runtime"
)

func newTestPool(t *testing.T, fl *kerneltest.Launcher, opts Options) *Pool {
	t.Helper()
	reg, err := runtime.Load()
	require.NoError(t, err)
	if opts.Runtime == "" {
		opts.Runtime = "python3"
	}
	spawner := kernel.NewSpawner(fl, reg, 5*time.Second, 2*time.Second, logger.Default())
	return New(spawner, nil, opts, logger.Default())
}

// interruptibleHandler reports a cancelled run once interrupted or killed.
func interruptibleHandler(call *kerneltest.ExecCall) kerneltest.ExecOutcome {
	select {
	case <-call.Interrupted:
	case <-call.Killed:
	}
	return kerneltest.ExecOutcome{Cancelled: true}
}

// trackingHandler holds each execution for d and records how many ran at
// once.
func trackingHandler(d time.Duration) (kerneltest.Handler, *int32) {
	var inflight int32
	max := new(int32)
	h := func(call *kerneltest.ExecCall) kerneltest.ExecOutcome {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			m := atomic.LoadInt32(max)
			if cur <= m || atomic.CompareAndSwapInt32(max, m, cur) {
				break
			}
		}
		select {
		case <-time.After(d):
		case <-call.Killed:
		}
		atomic.AddInt32(&inflight, -1)
		return kerneltest.ExecOutcome{}
	}
	return h, max
}

func TestSessionReusesKernel(t *testing.T) {
	fl := &kerneltest.Launcher{}
	p := newTestPool(t, fl, Options{})
	defer p.DisposeAll(context.Background())

	res, err := p.ExecuteSession(context.Background(), "sess-1", Request{Code: "a = 1"})
	require.NoError(t, err)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)

	_, err = p.ExecuteSession(context.Background(), "sess-1", Request{Code: "a + 1"})
	require.NoError(t, err)

	assert.Equal(t, 1, fl.Spawned(), "same key must reuse the kernel")

	infos := p.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "sess-1", infos[0].Key)
	assert.True(t, infos[0].Alive)
}

func TestSessionKeysGetSeparateKernels(t *testing.T) {
	fl := &kerneltest.Launcher{}
	p := newTestPool(t, fl, Options{})
	defer p.DisposeAll(context.Background())

	_, err := p.ExecuteSession(context.Background(), "alpha", Request{Code: "1"})
	require.NoError(t, err)
	_, err = p.ExecuteSession(context.Background(), "beta", Request{Code: "2"})
	require.NoError(t, err)

	assert.Equal(t, 2, fl.Spawned())
	assert.Len(t, p.Sessions(), 2)
}

func TestPerCallSpawnsAndDisposesEachTime(t *testing.T) {
	fl := &kerneltest.Launcher{}
	p := newTestPool(t, fl, Options{})

	for i := 0; i < 3; i++ {
		res, err := p.ExecutePerCall(context.Background(), Request{Code: "print('x')"})
		require.NoError(t, err)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 0, *res.ExitCode)
	}

	assert.Equal(t, 3, fl.Spawned(), "each call gets its own kernel")
	for i, tr := range fl.Launched() {
		assert.False(t, tr.Alive(), "kernel %d must be disposed after its call", i)
	}
	assert.Empty(t, p.Sessions(), "one-shot kernels never join the session map")
}

func TestResetReplacesSessionKernel(t *testing.T) {
	fl := &kerneltest.Launcher{}
	p := newTestPool(t, fl, Options{})
	defer p.DisposeAll(context.Background())

	_, err := p.ExecuteSession(context.Background(), "work", Request{Code: "state = 1"})
	require.NoError(t, err)
	firstID := p.Sessions()[0].KernelID

	_, err = p.ExecuteSession(context.Background(), "work", Request{Code: "state", Reset: true})
	require.NoError(t, err)

	assert.Equal(t, 2, fl.Spawned())
	assert.False(t, fl.Launched()[0].Alive(), "old kernel must be shut down")
	assert.True(t, fl.Launched()[1].Alive())

	infos := p.Sessions()
	require.Len(t, infos, 1)
	assert.NotEqual(t, firstID, infos[0].KernelID)
}

func TestResetSessionReplacesWithoutExecuting(t *testing.T) {
	fl := &kerneltest.Launcher{}
	p := newTestPool(t, fl, Options{})
	defer p.DisposeAll(context.Background())

	_, err := p.ExecuteSession(context.Background(), "work", Request{Code: "state = 1"})
	require.NoError(t, err)
	firstID := p.Sessions()[0].KernelID

	ok, err := p.ResetSession(context.Background(), "work")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 2, fl.Spawned())
	assert.False(t, fl.Launched()[0].Alive(), "old kernel must be shut down")

	infos := p.Sessions()
	require.Len(t, infos, 1)
	assert.NotEqual(t, firstID, infos[0].KernelID)
	assert.True(t, infos[0].Alive)

	ok, err = p.ResetSession(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok, "unknown keys are not created by a reset")
}

func TestSessionRespawnsWhenKernelFoundDead(t *testing.T) {
	fl := &kerneltest.Launcher{}
	p := newTestPool(t, fl, Options{})
	defer p.DisposeAll(context.Background())

	_, err := p.ExecuteSession(context.Background(), "s", Request{Code: "1"})
	require.NoError(t, err)

	// The interpreter dies between calls.
	require.NoError(t, fl.Launched()[0].Close(context.Background()))

	res, err := p.ExecuteSession(context.Background(), "s", Request{Code: "2"})
	require.NoError(t, err)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, 2, fl.Spawned())
}

func TestSessionRetriesOnceAfterMidRunDeath(t *testing.T) {
	var calls atomic.Int32
	fl := &kerneltest.Launcher{Handler: func(call *kerneltest.ExecCall) kerneltest.ExecOutcome {
		if calls.Add(1) == 1 {
			call.Crash()
			return kerneltest.ExecOutcome{}
		}
		return kerneltest.EchoHandler(call)
	}}
	p := newTestPool(t, fl, Options{})
	defer p.DisposeAll(context.Background())

	res, err := p.ExecuteSession(context.Background(), "s", Request{Code: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, "flaky", res.Output)
	assert.Equal(t, 2, fl.Spawned(), "one respawn for the retry")
}

func TestSessionSecondFailureSurfaces(t *testing.T) {
	fl := &kerneltest.Launcher{Handler: func(call *kerneltest.ExecCall) kerneltest.ExecOutcome {
		call.Crash()
		return kerneltest.ExecOutcome{}
	}}
	p := newTestPool(t, fl, Options{})
	defer p.DisposeAll(context.Background())

	_, err := p.ExecuteSession(context.Background(), "s", Request{Code: "always dies"})

	var dead *kernel.DeadKernelError
	require.ErrorAs(t, err, &dead)
	assert.Equal(t, 2, fl.Spawned(), "exactly one retry")
}

func TestPerCallNeverRetries(t *testing.T) {
	fl := &kerneltest.Launcher{Handler: func(call *kerneltest.ExecCall) kerneltest.ExecOutcome {
		call.Crash()
		return kerneltest.ExecOutcome{}
	}}
	p := newTestPool(t, fl, Options{})

	_, err := p.ExecutePerCall(context.Background(), Request{Code: "dies"})

	var dead *kernel.DeadKernelError
	require.ErrorAs(t, err, &dead)
	assert.Equal(t, 1, fl.Spawned())
}

func TestSpawnFailureSurfacesWithoutRetry(t *testing.T) {
	fl := &kerneltest.Launcher{SkipHandshake: true}
	synctest.Test(t, func(t *testing.T) {
		p := newTestPool(t, fl, Options{})

		_, err := p.ExecuteSession(context.Background(), "s", Request{Code: "1"})

		var spawnErr *kernel.SpawnError
		require.ErrorAs(t, err, &spawnErr)
	})
	assert.Equal(t, 1, fl.Spawned(), "a failed spawn is not retried within the call")
}

func TestSessionTimeoutMapsToAnnotatedResult(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fl := &kerneltest.Launcher{Handler: interruptibleHandler}
		p := newTestPool(t, fl, Options{})

		res, err := p.ExecuteSession(context.Background(), "s", Request{Code: "while True: pass", Timeout: 3 * time.Second})
		require.NoError(t, err)
		assert.Nil(t, res.ExitCode)
		assert.True(t, res.TimedOut)
		assert.True(t, res.Cancelled)
		assert.Equal(t, "Command timed out after 3 seconds", res.Output)

		// The session kernel survived the interrupt and keeps serving.
		res, err = p.ExecuteSession(context.Background(), "s", Request{Code: "ok"})
		require.NoError(t, err)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 0, *res.ExitCode)
		assert.Equal(t, 1, fl.Spawned())

		p.DisposeAll(context.Background())
	})
}

func TestNegativeTimeoutDisablesDefault(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		slow := func(call *kerneltest.ExecCall) kerneltest.ExecOutcome {
			select {
			case <-time.After(5 * time.Second):
				return kerneltest.ExecOutcome{}
			case <-call.Interrupted:
				return kerneltest.ExecOutcome{Cancelled: true}
			case <-call.Killed:
				return kerneltest.ExecOutcome{Cancelled: true}
			}
		}
		fl := &kerneltest.Launcher{Handler: slow}
		p := newTestPool(t, fl, Options{ExecTimeout: time.Second})

		res, err := p.ExecuteSession(context.Background(), "s", Request{Code: "slow", Timeout: -1})
		require.NoError(t, err)
		assert.False(t, res.TimedOut, "a negative timeout must switch the default off")
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 0, *res.ExitCode)

		res, err = p.ExecuteSession(context.Background(), "s", Request{Code: "slow"})
		require.NoError(t, err)
		assert.True(t, res.TimedOut, "without an override the pool default applies")

		p.DisposeAll(context.Background())
	})
}

func TestSpawnedTotalCountsReplacedKernels(t *testing.T) {
	fl := &kerneltest.Launcher{}
	p := newTestPool(t, fl, Options{})

	_, err := p.ExecuteSession(context.Background(), "s", Request{Code: "1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.SpawnedTotal())

	_, err = p.ExecutePerCall(context.Background(), Request{Code: "2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.SpawnedTotal(), "disposed kernels stay counted")

	_, err = p.ExecuteSession(context.Background(), "s", Request{Code: "3", Reset: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.SpawnedTotal())

	p.DisposeAll(context.Background())
	assert.Equal(t, int64(3), p.SpawnedTotal())
}

func TestSameKeyCallsRunOneAtATime(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		handler, maxInflight := trackingHandler(time.Second)
		fl := &kerneltest.Launcher{Handler: handler}
		p := newTestPool(t, fl, Options{})

		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := p.ExecuteSession(context.Background(), "shared", Request{Code: "busy"})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(maxInflight), "same-key calls must not overlap")
		assert.Equal(t, 1, fl.Spawned())

		p.DisposeAll(context.Background())
	})
}

func TestDifferentKeysRunInParallel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		handler, maxInflight := trackingHandler(time.Second)
		fl := &kerneltest.Launcher{Handler: handler}
		p := newTestPool(t, fl, Options{})

		var wg sync.WaitGroup
		for _, key := range []string{"k1", "k2", "k3"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := p.ExecuteSession(context.Background(), key, Request{Code: "busy"})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(3), atomic.LoadInt32(maxInflight), "distinct keys must run concurrently")

		p.DisposeAll(context.Background())
	})
}

func TestMaxKernelsCapsConcurrentOneShots(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		handler, maxInflight := trackingHandler(time.Second)
		fl := &kerneltest.Launcher{Handler: handler}
		p := newTestPool(t, fl, Options{MaxKernels: 1})

		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := p.ExecutePerCall(context.Background(), Request{Code: "busy"})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(maxInflight), "cap must hold across calls")
		assert.Equal(t, 3, fl.Spawned())
	})
}

func TestDisposeSession(t *testing.T) {
	fl := &kerneltest.Launcher{}
	p := newTestPool(t, fl, Options{})

	_, err := p.ExecuteSession(context.Background(), "gone", Request{Code: "1"})
	require.NoError(t, err)

	assert.True(t, p.DisposeSession(context.Background(), "gone"))
	assert.False(t, fl.Launched()[0].Alive())
	assert.Empty(t, p.Sessions())

	assert.False(t, p.DisposeSession(context.Background(), "gone"), "second dispose finds nothing")
	assert.False(t, p.DisposeSession(context.Background(), "never-existed"))
}

func TestDisposeAllIsIdempotent(t *testing.T) {
	fl := &kerneltest.Launcher{}
	p := newTestPool(t, fl, Options{})

	_, err := p.ExecuteSession(context.Background(), "a", Request{Code: "1"})
	require.NoError(t, err)
	_, err = p.ExecuteSession(context.Background(), "b", Request{Code: "2"})
	require.NoError(t, err)

	p.DisposeAll(context.Background())
	for _, tr := range fl.Launched() {
		assert.False(t, tr.Alive())
	}
	assert.Empty(t, p.Sessions())

	p.DisposeAll(context.Background())
	assert.Equal(t, 2, fl.Spawned(), "disposing again spawns nothing and panics on nothing")
}

func TestLifecycleEventsPublished(t *testing.T) {
	log := logger.Default()
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	fl := &kerneltest.Launcher{}
	reg, err := runtime.Load()
	require.NoError(t, err)
	spawner := kernel.NewSpawner(fl, reg, 5*time.Second, 2*time.Second, log)
	p := New(spawner, memBus, Options{Runtime: "python3"}, log)

	eventTypes := make(chan string, 16)
	_, err = memBus.Subscribe(events.BuildKernelWildcardSubject(), func(ctx context.Context, event *bus.Event) error {
		eventTypes <- event.Type
		return nil
	})
	require.NoError(t, err)

	_, err = p.ExecuteSession(context.Background(), "observed", Request{Code: "1"})
	require.NoError(t, err)
	_, err = p.ExecuteSession(context.Background(), "observed", Request{Code: "2", Reset: true})
	require.NoError(t, err)
	require.True(t, p.DisposeSession(context.Background(), "observed"))

	got := make(map[string]int)
	for i := 0; i < 4; i++ {
		select {
		case eventType := <-eventTypes:
			got[eventType]++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events, have %v", i, got)
		}
	}
	assert.Equal(t, 2, got["kernel.ready"], "initial spawn and reset respawn")
	assert.Equal(t, 1, got["kernel.reset"])
	assert.Equal(t, 1, got["kernel.shutdown"])
}
