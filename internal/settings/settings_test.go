package settings

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
	"github.com/rzp-labs/kernelhost/internal/events"
	"github.com/rzp-labs/kernelhost/internal/events/bus"
	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

func newTestRepository(t *testing.T) Repository {
	t.Helper()
	repo, closeRepo, err := Provide(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { closeRepo() })
	return repo
}

func strPtr(s string) *string { return &s }

func TestRepositoryMissingRows(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, ok, err := repo.GetPythonToolMode(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = repo.GetKernelMode(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRepositorySetAndGet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.SetPythonToolMode(ctx, v1.PythonToolModeIPyOnly))
	require.NoError(t, repo.SetKernelMode(ctx, v1.ExecutionModePerCall))

	mode, ok, err := repo.GetPythonToolMode(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v1.PythonToolModeIPyOnly, mode)

	kernelMode, ok, err := repo.GetKernelMode(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v1.ExecutionModePerCall, kernelMode)
}

func TestRepositorySetOverwrites(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.SetPythonToolMode(ctx, v1.PythonToolModeIPyOnly))
	require.NoError(t, repo.SetPythonToolMode(ctx, v1.PythonToolModeBashOnly))

	mode, ok, err := repo.GetPythonToolMode(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v1.PythonToolModeBashOnly, mode)
}

func TestRepositoryPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	ctx := context.Background()

	repo, closeRepo, err := Provide(path)
	require.NoError(t, err)
	require.NoError(t, repo.SetKernelMode(ctx, v1.ExecutionModePerCall))
	require.NoError(t, closeRepo())

	repo, closeRepo, err = Provide(path)
	require.NoError(t, err)
	defer closeRepo()

	mode, ok, err := repo.GetKernelMode(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v1.ExecutionModePerCall, mode)
}

func TestServiceDefaults(t *testing.T) {
	svc := NewService(newTestRepository(t), nil, logger.Default())

	settings, err := svc.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, v1.PythonToolModeBoth, settings.PythonToolMode)
	require.Equal(t, v1.ExecutionModeSession, settings.KernelMode)
}

func TestServiceUpdate(t *testing.T) {
	repo := newTestRepository(t)
	svc := NewService(repo, nil, logger.Default())
	ctx := context.Background()

	settings, err := svc.Update(ctx, v1.UpdateSettingsRequest{
		PythonToolMode: strPtr("ipy-only"),
	})
	require.NoError(t, err)
	require.Equal(t, v1.PythonToolModeIPyOnly, settings.PythonToolMode)
	require.Equal(t, v1.ExecutionModeSession, settings.KernelMode, "untouched field keeps its default")

	settings, err = svc.Update(ctx, v1.UpdateSettingsRequest{
		KernelMode: strPtr("per-call"),
	})
	require.NoError(t, err)
	require.Equal(t, v1.PythonToolModeIPyOnly, settings.PythonToolMode, "earlier update survives")
	require.Equal(t, v1.ExecutionModePerCall, settings.KernelMode)
}

func TestServiceUpdateEmptyRequest(t *testing.T) {
	svc := NewService(newTestRepository(t), nil, logger.Default())

	settings, err := svc.Update(context.Background(), v1.UpdateSettingsRequest{})
	require.NoError(t, err)
	require.Equal(t, v1.PythonToolModeBoth, settings.PythonToolMode)
	require.Equal(t, v1.ExecutionModeSession, settings.KernelMode)
}

func TestServiceUpdateRejectsBadValues(t *testing.T) {
	repo := newTestRepository(t)
	svc := NewService(repo, nil, logger.Default())
	ctx := context.Background()

	_, err := svc.Update(ctx, v1.UpdateSettingsRequest{PythonToolMode: strPtr("sometimes")})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "python_tool_mode", verr.Field)

	_, err = svc.Update(ctx, v1.UpdateSettingsRequest{KernelMode: strPtr("forever")})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "kernel_mode", verr.Field)

	// A request with one good and one bad field must not apply the good one.
	_, err = svc.Update(ctx, v1.UpdateSettingsRequest{
		PythonToolMode: strPtr("bash-only"),
		KernelMode:     strPtr("forever"),
	})
	require.Error(t, err)

	_, ok, err := repo.GetPythonToolMode(ctx)
	require.NoError(t, err)
	require.False(t, ok, "rejected update must write nothing")
}

func TestServiceUpdatePublishesEvent(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()

	received := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(events.SettingsUpdated, func(ctx context.Context, event *bus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	svc := NewService(newTestRepository(t), eventBus, logger.Default())
	_, err = svc.Update(context.Background(), v1.UpdateSettingsRequest{
		PythonToolMode: strPtr("bash-only"),
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		require.Equal(t, events.SettingsUpdated, event.Type)
		require.Equal(t, "bash-only", event.Data["python_tool_mode"])
		require.Equal(t, "session", event.Data["kernel_mode"])
	case <-time.After(5 * time.Second):
		t.Fatal("no settings event arrived")
	}
}

func TestServiceUpdateWithoutChangesPublishesNothing(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()

	received := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(events.SettingsUpdated, func(ctx context.Context, event *bus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	svc := NewService(newTestRepository(t), eventBus, logger.Default())
	_, err = svc.Update(context.Background(), v1.UpdateSettingsRequest{})
	require.NoError(t, err)

	select {
	case <-received:
		t.Fatal("empty update must not publish")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "kernel_mode", Value: "forever"}
	require.Equal(t, `invalid kernel_mode "forever"`, err.Error())
	require.True(t, errors.As(error(err), new(*ValidationError)))
}
