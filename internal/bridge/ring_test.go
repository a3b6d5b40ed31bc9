package bridge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

func entry(ts, turn int64) Entry {
	f, _ := wire.NewNotification(wire.MethodSessionUpdate, nil)
	return Entry{Timestamp: ts, Turn: turn, Frame: f}
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := int64(1); i <= 5; i++ {
		r.Append(entry(i, i))
	}
	require.Equal(t, 3, r.Len())
	require.Equal(t, int64(3), r.OldestTurn())

	snap := r.Snapshot()
	require.Equal(t, int64(3), snap[0].Timestamp)
	require.Equal(t, int64(5), snap[2].Timestamp)
}

func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing(0)
	for i := 0; i < defaultRingCapacity+10; i++ {
		r.Append(entry(int64(i), int64(i)))
	}
	require.Equal(t, defaultRingCapacity, r.Len())
}

func TestSliceNoQueryReturnsAll(t *testing.T) {
	entries := []Entry{entry(10, 1), entry(20, 1), entry(30, 2)}
	got := Slice(entries, ReplayQuery{})
	require.Len(t, got, 3)
}

func TestSliceSinceIsExclusive(t *testing.T) {
	entries := []Entry{entry(10, 1), entry(20, 2), entry(30, 3)}
	got := Slice(entries, ReplayQuery{Since: 20, HasSince: true})
	require.Len(t, got, 1)
	require.Equal(t, int64(30), got[0].Timestamp)
}

func TestSliceBeforeIsExclusive(t *testing.T) {
	entries := []Entry{entry(10, 1), entry(20, 2), entry(30, 3)}
	got := Slice(entries, ReplayQuery{Before: 20, HasBefore: true})
	require.Len(t, got, 1)
	require.Equal(t, int64(10), got[0].Timestamp)
}

func TestSliceLimitCountsDistinctTurns(t *testing.T) {
	entries := []Entry{
		entry(10, 1), entry(11, 1),
		entry(20, 2), entry(21, 2), entry(22, 2),
		entry(30, 3),
	}
	got := Slice(entries, ReplayQuery{Limit: 2, HasLimit: true})
	require.Len(t, got, 4)
	for _, e := range got {
		require.Contains(t, []int64{2, 3}, e.Turn)
	}
	// Stored order is preserved.
	require.Equal(t, int64(20), got[0].Timestamp)
	require.Equal(t, int64(30), got[3].Timestamp)
}

func TestSliceWindowThenLimit(t *testing.T) {
	entries := []Entry{
		entry(10, 1),
		entry(20, 2),
		entry(30, 3),
		entry(40, 4),
	}
	got := Slice(entries, ReplayQuery{
		Since: 10, HasSince: true,
		Before: 40, HasBefore: true,
		Limit: 1, HasLimit: true,
	})
	require.Len(t, got, 1)
	require.Equal(t, int64(3), got[0].Turn)
}

func TestSliceLimitLargerThanHistory(t *testing.T) {
	entries := []Entry{entry(10, 1), entry(20, 2)}
	got := Slice(entries, ReplayQuery{Limit: 99, HasLimit: true})
	require.Len(t, got, 2)
}

func TestSliceLimitZeroReturnsNothing(t *testing.T) {
	entries := []Entry{entry(10, 1), entry(20, 2)}
	got := Slice(entries, ReplayQuery{Limit: 0, HasLimit: true})
	require.Empty(t, got)
}
