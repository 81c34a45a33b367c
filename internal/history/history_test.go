package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rzp-labs/kernelhost/internal/db"
	"github.com/rzp-labs/kernelhost/internal/db/dialect"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	pool, err := db.Open(db.Options{
		Driver: dialect.SQLite3,
		Path:   filepath.Join(t.TempDir(), "history.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	repo, err := NewRepository(pool)
	require.NoError(t, err)
	return repo
}

func intPtr(v int) *int { return &v }

func TestRecordRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-time.Minute)
	rec := &Record{
		SessionKey:  "agent-1",
		Mode:        "session",
		Runtime:     "python3",
		RawStatus:   "ok",
		ExitCode:    intPtr(0),
		OutputBytes: 42,
		DurationMS:  1234,
		StartedAt:   started,
	}
	require.NoError(t, repo.Record(ctx, rec))
	require.NotEmpty(t, rec.ID, "record should be assigned an id")

	records, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, "agent-1", got.SessionKey)
	require.Equal(t, "session", got.Mode)
	require.Equal(t, "python3", got.Runtime)
	require.Equal(t, "ok", got.RawStatus)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)
	require.False(t, got.Cancelled)
	require.False(t, got.TimedOut)
	require.False(t, got.StdinRequested)
	require.Equal(t, 42, got.OutputBytes)
	require.Equal(t, int64(1234), got.DurationMS)
	require.WithinDuration(t, started, got.StartedAt, time.Second)
}

func TestRecordNilExitCode(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, &Record{
		Mode:      "per-call",
		Runtime:   "python3",
		RawStatus: "ok",
		Cancelled: true,
		TimedOut:  true,
	}))

	records, err := repo.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Nil(t, records[0].ExitCode)
	require.True(t, records[0].Cancelled)
	require.True(t, records[0].TimedOut)
	require.False(t, records[0].StartedAt.IsZero(), "missing start time should be filled in")
}

func TestListRecentOrdersNewestFirst(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, repo.Record(ctx, &Record{
			ID:        id,
			Mode:      "session",
			Runtime:   "python3",
			RawStatus: "ok",
			ExitCode:  intPtr(0),
			StartedAt: base.Add(time.Duration(i-2) * time.Minute),
		}))
	}

	records, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "new", records[0].ID)
	require.Equal(t, "mid", records[1].ID)
}

func TestListRecentEmpty(t *testing.T) {
	repo := newTestRepository(t)

	records, err := repo.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestListBySession(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, key := range []string{"alpha", "beta", "alpha"} {
		require.NoError(t, repo.Record(ctx, &Record{
			SessionKey: key,
			Mode:       "session",
			Runtime:    "python3",
			RawStatus:  "ok",
			ExitCode:   intPtr(0),
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := repo.ListBySession(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		require.Equal(t, "alpha", rec.SessionKey)
	}
	require.True(t, records[0].StartedAt.After(records[1].StartedAt))

	records, err = repo.ListBySession(ctx, "missing", 10)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestPrune(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, age := range []time.Duration{48 * time.Hour, 25 * time.Hour, time.Hour} {
		require.NoError(t, repo.Record(ctx, &Record{
			Mode:      "session",
			Runtime:   "python3",
			RawStatus: "ok",
			ExitCode:  intPtr(0),
			StartedAt: now.Add(-age),
		}))
	}

	pruned, err := repo.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), pruned)

	records, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	pruned, err = repo.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, pruned)
}

func TestClampLimit(t *testing.T) {
	require.Equal(t, DefaultListLimit, clampLimit(0))
	require.Equal(t, DefaultListLimit, clampLimit(-5))
	require.Equal(t, 10, clampLimit(10))
	require.Equal(t, MaxListLimit, clampLimit(MaxListLimit+1))
}
