package extentkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatchPutRangeGetRoundTrip(t *testing.T) {
	store := NewShardedStore(4, 1024)
	ctx := context.Background()

	entries := []Entry{
		{Key: Key{Fid: 1, Offset: 0}, Value: Value{Addr: 100, Length: 64, DelegatorID: 1}},
		{Key: Key{Fid: 1, Offset: 64}, Value: Value{Addr: 200, Length: 64, DelegatorID: 1}},
		{Key: Key{Fid: 2, Offset: 0}, Value: Value{Addr: 300, Length: 128, DelegatorID: 2}},
	}
	require.NoError(t, store.BatchPut(ctx, entries))

	got, err := store.RangeGet(ctx, []KeyRange{
		{Start: Key{Fid: 1, Offset: 0}, End: Key{Fid: 1, Offset: 127}},
	})
	require.NoError(t, err)
	require.Len(t, got, 2, "both fid-1 segments must be covered by the probe range")

	byOffset := make(map[uint64]Entry)
	for _, e := range got {
		byOffset[e.Key.Offset] = e
	}
	require.Contains(t, byOffset, uint64(0))
	require.Contains(t, byOffset, uint64(64))
	require.EqualValues(t, 100, byOffset[0].Value.Addr)
	require.EqualValues(t, 200, byOffset[64].Value.Addr)

	// A probe range entirely outside any stored extent returns nothing.
	none, err := store.RangeGet(ctx, []KeyRange{
		{Start: Key{Fid: 1, Offset: 1000}, End: Key{Fid: 1, Offset: 2000}},
	})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestShardIndexRoutesAcrossShards(t *testing.T) {
	store := NewShardedStore(4, 16)

	seen := make(map[int]bool)
	for fid := uint64(0); fid < 4; fid++ {
		idx := store.shardIndex(fid, 0)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, 4)
		seen[idx] = true
	}
	require.Greater(t, len(seen), 1, "distinct fids at offset 0 must spread across more than one shard")

	ctx := context.Background()
	entries := []Entry{
		{Key: Key{Fid: 0, Offset: 0}, Value: Value{Addr: 1}},
		{Key: Key{Fid: 1, Offset: 0}, Value: Value{Addr: 2}},
		{Key: Key{Fid: 2, Offset: 0}, Value: Value{Addr: 3}},
		{Key: Key{Fid: 3, Offset: 0}, Value: Value{Addr: 4}},
	}
	require.NoError(t, store.BatchPut(ctx, entries))

	got, err := store.RangeGet(ctx, []KeyRange{
		{Start: Key{Fid: 0, Offset: 0}, End: Key{Fid: 3, Offset: 0}},
	})
	require.NoError(t, err)
	require.Len(t, got, 4, "RangeGet must aggregate across every shard the range touches")
}

func TestDuplicateKeysCoexistOnPut(t *testing.T) {
	store := NewShardedStore(2, 1024)
	ctx := context.Background()

	dup := Key{Fid: 7, Offset: 10}
	require.NoError(t, store.BatchPut(ctx, []Entry{
		{Key: dup, Value: Value{Addr: 1, Length: 5, DelegatorID: 1}},
		{Key: dup, Value: Value{Addr: 2, Length: 5, DelegatorID: 2}},
	}))

	got, err := store.RangeGet(ctx, []KeyRange{{Start: dup, End: dup}})
	require.NoError(t, err)
	require.Len(t, got, 2, "BatchPut must not deduplicate overwrites of the same key")

	var addrs []uint64
	for _, e := range got {
		addrs = append(addrs, e.Value.Addr)
	}
	require.ElementsMatch(t, []uint64{1, 2}, addrs)
}
