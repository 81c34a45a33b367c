package shell

import (
	"context"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/events"
	"github.com/rzp-labs/kernelhost/internal/events/bus"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

func skipWithoutPTY(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("PTY tests need a Unix terminal")
	}
	if os.Getenv("CI") != "" {
		t.Skip("PTY is unreliable in CI environments")
	}
}

// newTestSession starts /bin/sh so the prompt and exit behavior do not
// depend on the developer's login shell.
func newTestSession(t *testing.T) *Session {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Command = "/bin/sh"
	cfg.Cols = 80
	cfg.Rows = 24

	session, err := NewSession(cfg, nil, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Stop() })
	return session
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/work")
	assert.Equal(t, "/work", cfg.WorkDir)
	assert.Equal(t, 120, cfg.Cols)
	assert.Equal(t, 40, cfg.Rows)
	assert.Equal(t, 256*1024, cfg.Scrollback)
}

func TestDetectShell(t *testing.T) {
	shell, args := detectShell()
	require.NotEmpty(t, shell)

	if runtime.GOOS == "windows" {
		assert.Contains(t, []string{"pwsh.exe", "powershell.exe", "cmd.exe"}, shell)
		return
	}
	require.NotEmpty(t, args)
	assert.Equal(t, "-l", args[0])
}

func TestBuildShellEnv(t *testing.T) {
	env := buildShellEnv("/work")
	assert.Contains(t, env, "PWD=/work")
	assert.Contains(t, env, "TERM=xterm-256color")
	assert.Contains(t, env, "LANG=C.UTF-8")
}

func TestScrollbackKeepsNewestBytes(t *testing.T) {
	s := &Session{scrollbackMax: 8}
	require.Nil(t, s.Scrollback())

	s.appendScrollback([]byte("hello"))
	s.appendScrollback([]byte("world!!!"))
	assert.Equal(t, []byte("world!!!"), s.Scrollback())
}

func TestNewSessionStartsShell(t *testing.T) {
	skipWithoutPTY(t)

	workDir := t.TempDir()
	cfg := DefaultConfig(workDir)
	cfg.Command = "/bin/sh"

	session, err := NewSession(cfg, nil, newTestLogger())
	require.NoError(t, err)
	defer func() { _ = session.Stop() }()

	st := session.Status()
	require.True(t, st.Running)
	assert.Positive(t, st.Pid)
	assert.Equal(t, "/bin/sh", st.Shell)
	assert.Equal(t, workDir, st.Cwd)
	assert.WithinDuration(t, time.Now(), st.StartedAt, 5*time.Second)

	// The prompt shows up in the scrollback once the shell is up.
	require.Eventually(t, func() bool {
		return len(session.Scrollback()) > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSessionSubscribeReceivesOutput(t *testing.T) {
	skipWithoutPTY(t)
	session := newTestSession(t)

	ch := make(chan []byte, 256)
	session.Subscribe(ch)
	defer session.Unsubscribe(ch)

	_, err := session.Write([]byte("echo kernelhost-ping\n"))
	require.NoError(t, err)

	var got []byte
	require.Eventually(t, func() bool {
		for {
			select {
			case data := <-ch:
				got = append(got, data...)
			default:
				return strings.Contains(string(got), "kernelhost-ping")
			}
		}
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSessionStopIdempotent(t *testing.T) {
	skipWithoutPTY(t)
	session := newTestSession(t)

	require.NoError(t, session.Stop())
	require.NoError(t, session.Stop())

	assert.False(t, session.Status().Running)

	_, err := session.Write([]byte("echo hi\n"))
	assert.Error(t, err)
}

func TestSessionRespawnsAfterExit(t *testing.T) {
	skipWithoutPTY(t)
	session := newTestSession(t)

	first := session.Status().Pid
	require.Positive(t, first)

	_, err := session.Write([]byte("exit\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := session.Status()
		return st.Running && st.Pid != first
	}, 10*time.Second, 50*time.Millisecond)
}

func TestSessionIdleAfterPrompt(t *testing.T) {
	skipWithoutPTY(t)
	session := newTestSession(t)

	require.Eventually(t, session.Idle, 5*time.Second, 100*time.Millisecond)

	st := session.Status()
	assert.True(t, st.Running)
	assert.True(t, st.Idle)
}

func TestSessionResize(t *testing.T) {
	skipWithoutPTY(t)
	session := newTestSession(t)

	require.NoError(t, session.Resize(81, 21))

	screen := session.Screen()
	require.Len(t, screen, 21)
	assert.Equal(t, 81, utf8.RuneCountInString(screen[0]))

	assert.Error(t, session.Resize(0, 10))
}

func TestSessionPublishesLifecycleEvents(t *testing.T) {
	skipWithoutPTY(t)

	evBus := bus.NewMemoryEventBus(newTestLogger())
	defer evBus.Close()

	evCh := make(chan *bus.Event, 16)
	_, err := evBus.Subscribe(events.BuildShellWildcardSubject(), func(_ context.Context, evt *bus.Event) error {
		evCh <- evt
		return nil
	})
	require.NoError(t, err)

	cfg := DefaultConfig(t.TempDir())
	cfg.Command = "/bin/sh"
	session, err := NewSession(cfg, evBus, newTestLogger())
	require.NoError(t, err)
	defer func() { _ = session.Stop() }()

	waitForEvent(t, evCh, events.ShellStarted)

	_, err = session.Write([]byte("exit\n"))
	require.NoError(t, err)

	exited := waitForEvent(t, evCh, events.ShellExited)
	assert.Equal(t, true, exited.Data["respawning"])

	// Wait for the respawned shell before stopping so the final exit
	// event is observable.
	waitForEvent(t, evCh, events.ShellStarted)

	require.NoError(t, session.Stop())
	final := waitForEvent(t, evCh, events.ShellExited)
	assert.Equal(t, false, final.Data["respawning"])
}

func waitForEvent(t *testing.T, ch <-chan *bus.Event, eventType string) *bus.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == eventType {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
			return nil
		}
	}
}

func TestSessionConcurrentSubscribeAndWrite(t *testing.T) {
	skipWithoutPTY(t)
	session := newTestSession(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := make(chan []byte, 16)
			session.Subscribe(ch)
			_, _ = session.Write([]byte("echo ping\n"))
			time.Sleep(10 * time.Millisecond)
			session.Unsubscribe(ch)
		}()
	}
	wg.Wait()
}
