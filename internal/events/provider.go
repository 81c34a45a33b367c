package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/config"
	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/events/bus"
)

// Provide builds the configured event bus. A NATS URL in the config
// selects the broker; otherwise events stay in process. The returned
// cleanup drains the connection when there is one.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		log.Info("Event bus ready", zap.String("kind", "nats"), zap.String("url", cfg.NATS.URL))
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return natsBus, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	log.Info("Event bus ready", zap.String("kind", "memory"))
	return memBus, func() error { return nil }, nil
}
