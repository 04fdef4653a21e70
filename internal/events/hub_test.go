package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotKeepsNewest(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeProgress, "sn", map[string]int{"i": i})
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})
	assert.JSONEq(t, `{"i":4}`, string(all[2].Data))

	assert.Len(t, h.SnapshotSince(4), 1)
	assert.Empty(t, h.SnapshotSince(5))
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	ch, cancel := h.Subscribe()

	h.Publish(TypeAccepted, "sn-1", nil)
	select {
	case ev := <-ch:
		assert.Equal(t, TypeAccepted, ev.Type)
		assert.Equal(t, "sn-1", ev.SN)
		assert.JSONEq(t, `{}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
	cancel()
}

func TestNilHubDropsEvents(t *testing.T) {
	t.Parallel()

	var h *Hub
	assert.NotPanics(t, func() { h.Publish(TypeStarted, "sn", nil) })
}
