package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
)

// stopTimeout bounds the shutdown performed by the Provide cleanup.
const stopTimeout = 5 * time.Second

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Port: 9090}
}

// Provide starts the MCP server and returns a cleanup that stops it. The
// cleanup runs at most once.
func Provide(ctx context.Context, cfg Config, tools Tools, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, tools, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}

	return srv, cleanup, nil
}
