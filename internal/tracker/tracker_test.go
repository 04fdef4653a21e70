package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mattjoyce/rmiagent/internal/criteria"
	"github.com/mattjoyce/rmiagent/internal/storage"
)

func newFileTracker(t *testing.T, dir string) *Tracker {
	t.Helper()
	ledger, err := NewFileLedger(dir)
	require.NoError(t, err)
	tr, err := New(ledger, nil)
	require.NoError(t, err)
	return tr
}

func TestCancelUnknownIsNotFound(t *testing.T) {
	t.Parallel()

	tr := newFileTracker(t, t.TempDir())
	_, err := tr.Cancel("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, tr.Cancelled("missing"))
}

func TestCancelIsIdempotentProperty(t *testing.T) {
	base := t.TempDir()
	rapid.Check(t, func(rt *rapid.T) {
		sn := rapid.StringMatching(`[A-Za-z0-9:/ ._-]{1,40}`).Draw(rt, "sn")

		dir, err := os.MkdirTemp(base, "ledger")
		if err != nil {
			rt.Fatalf("MkdirTemp: %v", err)
		}
		ledger, err := NewFileLedger(dir)
		if err != nil {
			rt.Fatalf("NewFileLedger: %v", err)
		}
		tr, err := New(ledger, nil)
		if err != nil {
			rt.Fatalf("New: %v", err)
		}
		tr.Add(sn, nil)

		first, err := tr.Cancel(sn)
		if err != nil || first != sn {
			rt.Fatalf("first cancel = %q, %v; want %q", first, err, sn)
		}
		if !tr.Cancelled(sn) {
			rt.Fatalf("expected %q cancelled after first call", sn)
		}
		second, err := tr.Cancel(sn)
		if err != nil || second != "" {
			rt.Fatalf("second cancel = %q, %v; want empty", second, err)
		}
		if !tr.Cancelled(sn) {
			rt.Fatalf("expected %q cancelled after second call", sn)
		}

		reloaded, err := New(ledger, nil)
		if err != nil {
			rt.Fatalf("reload: %v", err)
		}
		if !reloaded.Cancelled(sn) {
			rt.Fatalf("expected %q cancelled after reload", sn)
		}
	})
}

func TestCancelSurvivesRestart(t *testing.T) {
	t.Parallel()

	openSQLite := func(t *testing.T) Ledger {
		db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return NewSQLiteLedger(db)
	}
	openFile := func(t *testing.T) Ledger {
		l, err := NewFileLedger(filepath.Join(t.TempDir(), "cancelled"))
		require.NoError(t, err)
		return l
	}

	for name, open := range map[string]func(*testing.T) Ledger{"file": openFile, "sqlite": openSQLite} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ledger := open(t)

			tr, err := New(ledger, nil)
			require.NoError(t, err)
			tr.Add("sn-1", map[string]any{"id": 1})
			tr.Add("sn-2", nil)
			_, err = tr.Cancel("sn-1")
			require.NoError(t, err)

			restarted, err := New(ledger, nil)
			require.NoError(t, err)
			assert.True(t, restarted.Cancelled("sn-1"))
			assert.False(t, restarted.Cancelled("sn-2"))
			assert.Empty(t, restarted.Entries())

			require.NoError(t, restarted.Remove("sn-1"))
			again, err := New(ledger, nil)
			require.NoError(t, err)
			assert.False(t, again.Cancelled("sn-1"))
		})
	}
}

func TestFindByCriteria(t *testing.T) {
	t.Parallel()

	tr := newFileTracker(t, t.TempDir())
	tr.Add("a", map[string]any{"id": 1})
	tr.Add("b", map[string]any{"id": 2})
	tr.Add("c", map[string]any{"id": 3})

	between, err := criteria.Build(map[string]any{
		"and": []any{map[string]any{"gt": 1}, map[string]any{"lt": 3}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, tr.Find(criteria.Field{Name: "id", Criteria: between}))
}

func TestFindProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ids := rapid.SliceOfNDistinct(rapid.IntRange(0, 50), 0, 20, rapid.ID[int]).Draw(rt, "ids")
		lo := rapid.IntRange(-1, 51).Draw(rt, "lo")
		hi := rapid.IntRange(-1, 51).Draw(rt, "hi")

		tr, err := New(nil, nil)
		if err != nil {
			rt.Fatalf("New: %v", err)
		}
		var want []string
		for _, id := range ids {
			sn := fmt.Sprintf("sn-%02d", id)
			tr.Add(sn, map[string]any{"id": id})
			if id > lo && id < hi {
				want = append(want, sn)
			}
		}
		sort.Strings(want)

		got := tr.Find(criteria.Field{Name: "id", Criteria: criteria.And{
			Left:  criteria.Greater{Value: lo},
			Right: criteria.Less{Value: hi},
		}})
		if !slices.Equal(got, want) {
			rt.Fatalf("Find = %v, want %v", got, want)
		}
	})
}

func TestRemove(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := newFileTracker(t, dir)
	tr.Add("sn", nil)
	_, err := tr.Cancel("sn")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, MarkerName("sn")))
	require.NoError(t, err, "marker should exist after cancel")

	require.NoError(t, tr.Remove("sn"))
	assert.False(t, tr.Cancelled("sn"))
	_, err = os.Stat(filepath.Join(dir, MarkerName("sn")))
	assert.True(t, os.IsNotExist(err), "marker should be gone after remove")

	assert.NoError(t, tr.Remove("never-seen"))

	_, err = tr.Cancel("sn")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEntries(t *testing.T) {
	t.Parallel()

	tr, err := New(nil, nil)
	require.NoError(t, err)
	tr.Add("b", "loc-b")
	tr.Add("a", "loc-a")
	_, err = tr.Cancel("b")
	require.NoError(t, err)

	assert.Equal(t, []Entry{
		{SN: "a", Locator: "loc-a"},
		{SN: "b", Locator: "loc-b", Cancelled: true},
	}, tr.Entries())
}
