package shell

import (
	"sync"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/events/bus"
)

// Manager owns the server's single interactive shell. Nothing is spawned
// until the first Start; a later Start replaces the running session.
type Manager struct {
	cfg Config
	bus bus.EventBus
	log *logger.Logger

	mu      sync.Mutex
	session *Session
}

// NewManager prepares a manager around the configured defaults.
func NewManager(cfg Config, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{cfg: cfg, bus: eventBus, log: log}
}

// StartOptions override pieces of the configured shell for one start.
type StartOptions struct {
	Command string
	Rows    int
	Cols    int
}

// Start launches the shell, stopping a running one first. The returned
// session is also reachable through Session until the next Start or Stop.
func (m *Manager) Start(opts StartOptions) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg
	if opts.Command != "" {
		cfg.Command = opts.Command
		cfg.Args = nil
	}
	if opts.Rows > 0 {
		cfg.Rows = opts.Rows
	}
	if opts.Cols > 0 {
		cfg.Cols = opts.Cols
	}

	if m.session != nil {
		_ = m.session.Stop()
		m.session = nil
	}

	sess, err := NewSession(cfg, m.bus, m.log)
	if err != nil {
		return nil, err
	}
	m.session = sess
	return sess, nil
}

// Session returns the current shell session, nil before the first Start.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Stop ends the current session if one is running. Safe to call again.
func (m *Manager) Stop() error {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Stop()
}
