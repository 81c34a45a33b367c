package shell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Command = "/bin/sh"
	cfg.Cols = 80
	cfg.Rows = 24

	m := NewManager(cfg, nil, newTestLogger())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestManagerNothingRunsBeforeStart(t *testing.T) {
	m := newTestManager(t)

	assert.Nil(t, m.Session())
	require.NoError(t, m.Stop(), "stopping an idle manager is a no-op")
}

func TestManagerStartAndStop(t *testing.T) {
	skipWithoutPTY(t)
	m := newTestManager(t)

	sess, err := m.Start(StartOptions{})
	require.NoError(t, err)
	require.Same(t, sess, m.Session())

	st := sess.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "/bin/sh", st.Shell)

	require.NoError(t, m.Stop())
	assert.Nil(t, m.Session())
	assert.False(t, sess.Status().Running)
}

func TestManagerStartReplacesRunningSession(t *testing.T) {
	skipWithoutPTY(t)
	m := newTestManager(t)

	first, err := m.Start(StartOptions{})
	require.NoError(t, err)
	firstPid := first.Status().Pid

	second, err := m.Start(StartOptions{})
	require.NoError(t, err)
	require.NotSame(t, first, second)

	assert.False(t, first.Status().Running, "a restart must stop the old shell")
	st := second.Status()
	assert.True(t, st.Running)
	assert.NotEqual(t, firstPid, st.Pid)
	require.Same(t, second, m.Session())
}

func TestManagerStartOverrides(t *testing.T) {
	skipWithoutPTY(t)
	m := newTestManager(t)

	sess, err := m.Start(StartOptions{Cols: 100, Rows: 30})
	require.NoError(t, err)

	cols, rows := sess.Size()
	assert.Equal(t, 100, cols)
	assert.Equal(t, 30, rows)

	// Overrides apply to one start only; the next one is back to the
	// configured defaults.
	sess, err = m.Start(StartOptions{})
	require.NoError(t, err)
	cols, rows = sess.Size()
	assert.Equal(t, 80, cols)
	assert.Equal(t, 24, rows)
}
