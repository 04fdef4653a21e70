package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rmiagent/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestRecordAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := Entry{
		SN: "sn-1", Namespace: "reports", Method: "Build", Model: "isolated",
		Status: "failed", Error: "disk full",
		StartedAt: start, CompletedAt: start.Add(1500 * time.Millisecond), Duration: 1500 * time.Millisecond,
	}
	require.NoError(t, s.Record(ctx, e))

	got, err := s.Get(ctx, "sn-1")
	require.NoError(t, err)
	assert.Equal(t, e, *got)

	e.Status, e.Error = "completed", ""
	require.NoError(t, s.Record(ctx, e))
	got, err = s.Get(ctx, "sn-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Empty(t, got.Error)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	_, err := openStore(t).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentOrdersByCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, sn := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Record(ctx, Entry{
			SN: sn, Namespace: "ns", Method: "M", Model: "direct", Status: "completed",
			StartedAt: at, CompletedAt: at,
		}))
	}

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].SN)
	assert.Equal(t, "b", got[1].SN)
}

func TestNilStoreRecordIsNoop(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Record(context.Background(), Entry{SN: "x"}))
}
