package exec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/kernel"
)

func newTestRunner(opts Options) *Runner {
	return NewRunner(opts, logger.Default())
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	r := newTestRunner(Options{})

	res, err := r.Run(context.Background(), Request{Command: "printf 'hello world'"})
	require.NoError(t, err)

	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Contains(t, res.Output, "hello world")
	assert.False(t, res.Cancelled)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 0, r.Running())
}

func TestRunReportsNonZeroExit(t *testing.T) {
	r := newTestRunner(Options{})

	res, err := r.Run(context.Background(), Request{Command: "exit 7"})
	require.NoError(t, err)

	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 7, *res.ExitCode)
	assert.False(t, res.Cancelled)
}

func TestRunCapturesStderr(t *testing.T) {
	r := newTestRunner(Options{})

	res, err := r.Run(context.Background(), Request{Command: "echo oops 1>&2"})
	require.NoError(t, err)

	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Contains(t, res.Output, "oops")
}

func TestRunStreamsChunks(t *testing.T) {
	r := newTestRunner(Options{})
	out := make(chan kernel.OutputChunk, 64)

	res, err := r.Run(context.Background(), Request{
		Command: "printf 'from-stdout'; printf 'from-stderr' 1>&2",
		Output:  out,
	})
	require.NoError(t, err)

	// Run returning means no more chunks will be sent.
	var stdout, stderr strings.Builder
	for {
		select {
		case c := <-out:
			switch c.Name {
			case "stdout":
				stdout.WriteString(c.Text)
			case "stderr":
				stderr.WriteString(c.Text)
			default:
				t.Fatalf("unexpected stream %q", c.Name)
			}
			continue
		default:
		}
		break
	}

	assert.Contains(t, stdout.String(), "from-stdout")
	assert.Contains(t, stderr.String(), "from-stderr")
	assert.Contains(t, res.Output, "from-stdout")
	assert.Contains(t, res.Output, "from-stderr")
}

func TestRunTimeoutAnnotatesOutput(t *testing.T) {
	r := newTestRunner(Options{GracePeriod: 100 * time.Millisecond})

	start := time.Now()
	res, err := r.Run(context.Background(), Request{
		Command: "printf 'partial'; sleep 30",
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.True(t, res.Cancelled)
	assert.Nil(t, res.ExitCode)
	assert.Contains(t, res.Output, "partial")
	assert.Contains(t, res.Output, "Command timed out after 1 seconds")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunReturnsDuringGraceWhenCommandExits(t *testing.T) {
	r := newTestRunner(Options{GracePeriod: 10 * time.Second})

	start := time.Now()
	res, err := r.Run(context.Background(), Request{
		Command: "sleep 30",
		Timeout: 150 * time.Millisecond,
	})
	require.NoError(t, err)

	// sleep dies on the SIGTERM, so the full grace period is never waited.
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunKillsCommandThatIgnoresSigterm(t *testing.T) {
	r := newTestRunner(Options{GracePeriod: 100 * time.Millisecond})

	start := time.Now()
	res, err := r.Run(context.Background(), Request{
		Command: "trap '' TERM; while :; do sleep 0.05; done",
		Timeout: 150 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.True(t, res.Cancelled)
	assert.Nil(t, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCallerCancel(t *testing.T) {
	r := newTestRunner(Options{GracePeriod: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := r.Run(ctx, Request{Command: "sleep 30"})
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.False(t, res.TimedOut)
	assert.Nil(t, res.ExitCode)
}

func TestStopAllTerminatesRunningCommands(t *testing.T) {
	r := newTestRunner(Options{GracePeriod: 100 * time.Millisecond})

	type outcome struct {
		res kernel.Result
		err error
	}
	results := make(chan outcome, 1)
	go func() {
		res, err := r.Run(context.Background(), Request{Command: "sleep 30"})
		results <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return r.Running() == 1 },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, r.StopAll(context.Background()))

	select {
	case got := <-results:
		require.NoError(t, got.err)
		assert.True(t, got.res.Cancelled)
		assert.Nil(t, got.res.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after StopAll")
	}
	assert.Equal(t, 0, r.Running())
}

func TestRunBoundsBufferedOutput(t *testing.T) {
	r := newTestRunner(Options{BufferMaxBytes: 8192})

	res, err := r.Run(context.Background(), Request{Command: "seq 1 10000"})
	require.NoError(t, err)

	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.LessOrEqual(t, len(res.Output), 8192)
	assert.Contains(t, res.Output, "10000")
	assert.False(t, strings.HasPrefix(res.Output, "1\n2\n"))
}

func TestRunAppliesEnvAndWorkDir(t *testing.T) {
	r := newTestRunner(Options{})
	dir := t.TempDir()

	res, err := r.Run(context.Background(), Request{
		Command: `printf "$KERNELHOST_PROBE:"; pwd`,
		WorkDir: dir,
		Env:     map[string]string{"KERNELHOST_PROBE": "injected"},
	})
	require.NoError(t, err)

	assert.Contains(t, res.Output, "injected:")
	assert.Contains(t, res.Output, dir)
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	r := newTestRunner(Options{})
	_, err := r.Run(context.Background(), Request{})
	require.Error(t, err)
}

func TestRunStartFailure(t *testing.T) {
	r := newTestRunner(Options{Shell: "/nonexistent/shell"})
	_, err := r.Run(context.Background(), Request{Command: "true"})
	require.Error(t, err)
	assert.Equal(t, 0, r.Running())
}

func TestRingBufferEvictsOldest(t *testing.T) {
	b := newRingBuffer(10)
	b.append("stdout", "hello")
	b.append("stdout", "world")
	b.append("stderr", "!!!")

	assert.Equal(t, "world!!!", b.text())
}

func TestRingBufferKeepsNewestChunk(t *testing.T) {
	b := newRingBuffer(4)
	b.append("stdout", "oversized chunk")

	assert.Equal(t, "oversized chunk", b.text())
}

func TestMergeEnvOverridesParent(t *testing.T) {
	t.Setenv("KERNELHOST_MERGE_PROBE", "parent")

	got := mergeEnv(map[string]string{
		"KERNELHOST_MERGE_PROBE": "override",
		"KERNELHOST_MERGE_EXTRA": "1",
	})

	assert.Contains(t, got, "KERNELHOST_MERGE_PROBE=override")
	assert.Contains(t, got, "KERNELHOST_MERGE_EXTRA=1")
	assert.NotContains(t, got, "KERNELHOST_MERGE_PROBE=parent")
}
