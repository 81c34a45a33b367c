package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedManifest(t *testing.T) {
	reg, err := Load()
	require.NoError(t, err)

	rt, err := reg.Lookup("python3")
	require.NoError(t, err)
	assert.Equal(t, "python3", rt.Command)
	assert.Contains(t, reg.Names(), "python3-isolated")
}

func TestLookupUnknownNamesKnownRuntimes(t *testing.T) {
	reg, err := Load()
	require.NoError(t, err)

	_, err = reg.Lookup("ruby")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown runtime "ruby"`)
	assert.Contains(t, err.Error(), "python3")
}

func TestArgvExpandsRunnerPlaceholder(t *testing.T) {
	rt := Runtime{Command: "python3", Args: []string{"-u", "-c", "{runner}"}}

	argv := rt.Argv()
	require.Len(t, argv, 4)
	assert.Equal(t, []string{"python3", "-u", "-c"}, argv[:3])
	assert.Equal(t, runnerSource, argv[3])
	assert.NotEmpty(t, argv[3])
}

func TestHandshakeTimeoutDefault(t *testing.T) {
	assert.Equal(t, 30*time.Second, Runtime{}.HandshakeTimeout())
	assert.Equal(t, 5*time.Second, Runtime{HandshakeTimeoutSeconds: 5}.HandshakeTimeout())
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtimes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileReplacesManifest(t *testing.T) {
	path := writeManifest(t, `
runtimes:
  - name: deno
    command: deno
    args: ["run", "-"]
    handshake_timeout_seconds: 10
`)

	reg, err := LoadFile(path)
	require.NoError(t, err)

	rt, err := reg.Lookup("deno")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, rt.HandshakeTimeout())

	_, err = reg.Lookup("python3")
	assert.Error(t, err, "override replaces the embedded manifest entirely")
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestParseRejectsBadManifests(t *testing.T) {
	for name, content := range map[string]string{
		"empty":        "runtimes: []",
		"missing name": "runtimes:\n  - command: python3",
		"duplicate":    "runtimes:\n  - name: a\n    command: x\n  - name: a\n    command: y",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeManifest(t, content))
			assert.Error(t, err)
		})
	}
}
