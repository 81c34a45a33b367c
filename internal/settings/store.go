// Package settings persists the two runtime toggles that survive restarts:
// which execution tools are offered to the agent and how kernels bind to
// requests. The store is a small standalone SQLite file so it can live next
// to the history database or on its own.
package settings

import (
	"context"

	v1 "github.com/rzp-labs/kernelhost/pkg/api/v1"
)

type Repository interface {
	GetPythonToolMode(ctx context.Context) (v1.PythonToolMode, bool, error)
	SetPythonToolMode(ctx context.Context, mode v1.PythonToolMode) error

	GetKernelMode(ctx context.Context) (v1.ExecutionMode, bool, error)
	SetKernelMode(ctx context.Context, mode v1.ExecutionMode) error

	Close() error
}

// Provide creates the SQLite settings store at path and returns it together
// with its close function.
func Provide(path string) (Repository, func() error, error) {
	repo, err := NewSQLiteRepository(path)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}
