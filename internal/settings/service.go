package settings

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/events"
	"github.com/rzp-labs/kernelhost/internal/events/bus"
	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

// ValidationError reports a settings value outside the allowed set.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

// Service reads and updates settings, layering defaults over rows that were
// never written. Updates are validated before anything is persisted and
// announced on the bus afterwards.
type Service struct {
	repo   Repository
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService creates the settings service. eventBus may be nil to disable
// update announcements.
func NewService(repo Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		repo:   repo,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "settings")),
	}
}

// Get returns the effective settings. Fields without a stored row fall back
// to offering both tools and session-bound kernels.
func (s *Service) Get(ctx context.Context) (v1.Settings, error) {
	toolMode, ok, err := s.repo.GetPythonToolMode(ctx)
	if err != nil {
		return v1.Settings{}, fmt.Errorf("read python tool mode: %w", err)
	}
	if !ok {
		toolMode = v1.PythonToolModeBoth
	}

	kernelMode, ok, err := s.repo.GetKernelMode(ctx)
	if err != nil {
		return v1.Settings{}, fmt.Errorf("read kernel mode: %w", err)
	}
	if !ok {
		kernelMode = v1.ExecutionModeSession
	}

	return v1.Settings{PythonToolMode: toolMode, KernelMode: kernelMode}, nil
}

// Update applies the non-nil fields of req and returns the effective
// settings afterwards. Both fields are validated before either is written,
// so a half-bad request changes nothing.
func (s *Service) Update(ctx context.Context, req v1.UpdateSettingsRequest) (v1.Settings, error) {
	var toolMode v1.PythonToolMode
	if req.PythonToolMode != nil {
		toolMode = v1.PythonToolMode(*req.PythonToolMode)
		if !validPythonToolMode(toolMode) {
			return v1.Settings{}, &ValidationError{Field: "python_tool_mode", Value: *req.PythonToolMode}
		}
	}
	var kernelMode v1.ExecutionMode
	if req.KernelMode != nil {
		kernelMode = v1.ExecutionMode(*req.KernelMode)
		if !validKernelMode(kernelMode) {
			return v1.Settings{}, &ValidationError{Field: "kernel_mode", Value: *req.KernelMode}
		}
	}

	changed := false
	if req.PythonToolMode != nil {
		if err := s.repo.SetPythonToolMode(ctx, toolMode); err != nil {
			return v1.Settings{}, fmt.Errorf("write python tool mode: %w", err)
		}
		changed = true
	}
	if req.KernelMode != nil {
		if err := s.repo.SetKernelMode(ctx, kernelMode); err != nil {
			return v1.Settings{}, fmt.Errorf("write kernel mode: %w", err)
		}
		changed = true
	}

	settings, err := s.Get(ctx)
	if err != nil {
		return v1.Settings{}, err
	}
	if changed {
		s.publishUpdated(ctx, settings)
	}
	return settings, nil
}

func (s *Service) publishUpdated(ctx context.Context, settings v1.Settings) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(events.SettingsUpdated, "kernelhost", map[string]interface{}{
		"python_tool_mode": string(settings.PythonToolMode),
		"kernel_mode":      string(settings.KernelMode),
	})
	if err := s.bus.Publish(ctx, events.SettingsUpdated, evt); err != nil {
		s.logger.Warn("failed to publish settings event", zap.Error(err))
	}
}

func validPythonToolMode(mode v1.PythonToolMode) bool {
	switch mode {
	case v1.PythonToolModeBoth, v1.PythonToolModeIPyOnly, v1.PythonToolModeBashOnly:
		return true
	}
	return false
}

func validKernelMode(mode v1.ExecutionMode) bool {
	switch mode {
	case v1.ExecutionModeSession, v1.ExecutionModePerCall:
		return true
	}
	return false
}
