// Package runtime defines the interpreter runtimes a kernel can be spawned
// from. The default manifest and the Python runner script are embedded in
// the binary; a config override path can replace the manifest.
package runtime

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed runner.py
var runnerSource string

//go:embed runtimes.yaml
var defaultManifest []byte

// runnerPlaceholder marks the argv slot that receives the runner source.
const runnerPlaceholder = "{runner}"

// Runtime describes one interpreter invocation.
type Runtime struct {
	Name                    string   `yaml:"name"`
	Command                 string   `yaml:"command"`
	Args                    []string `yaml:"args"`
	HandshakeTimeoutSeconds int      `yaml:"handshake_timeout_seconds"`
}

// HandshakeTimeout returns the spawn-to-ready deadline for this runtime.
func (r Runtime) HandshakeTimeout() time.Duration {
	if r.HandshakeTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.HandshakeTimeoutSeconds) * time.Second
}

// Argv returns the full invocation with the runner placeholder expanded.
func (r Runtime) Argv() []string {
	argv := make([]string, 0, len(r.Args)+1)
	argv = append(argv, r.Command)
	for _, a := range r.Args {
		if a == runnerPlaceholder {
			argv = append(argv, runnerSource)
		} else {
			argv = append(argv, a)
		}
	}
	return argv
}

type manifest struct {
	Runtimes []Runtime `yaml:"runtimes"`
}

// Registry holds the loaded runtime manifest.
type Registry struct {
	byName map[string]Runtime
}

// Load parses the embedded manifest.
func Load() (*Registry, error) {
	return parse(defaultManifest)
}

// LoadFile parses a manifest from disk, replacing the embedded one.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime manifest: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Registry, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse runtime manifest: %w", err)
	}
	if len(m.Runtimes) == 0 {
		return nil, fmt.Errorf("runtime manifest defines no runtimes")
	}

	byName := make(map[string]Runtime, len(m.Runtimes))
	for _, rt := range m.Runtimes {
		if rt.Name == "" || rt.Command == "" {
			return nil, fmt.Errorf("runtime entries require name and command")
		}
		if _, exists := byName[rt.Name]; exists {
			return nil, fmt.Errorf("duplicate runtime %q in manifest", rt.Name)
		}
		byName[rt.Name] = rt
	}
	return &Registry{byName: byName}, nil
}

// Lookup resolves a runtime by name.
func (g *Registry) Lookup(name string) (Runtime, error) {
	rt, ok := g.byName[name]
	if !ok {
		return Runtime{}, fmt.Errorf("unknown runtime %q (known: %s)", name, strings.Join(g.Names(), ", "))
	}
	return rt, nil
}

// Names lists the known runtime names, sorted.
func (g *Registry) Names() []string {
	names := make([]string, 0, len(g.byName))
	for name := range g.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunnerSource exposes the embedded runner script, for launchers that need
// to ship it into another environment.
func RunnerSource() string {
	return runnerSource
}
