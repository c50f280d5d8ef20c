package flush

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llnl/unifyfs/internal/attrkv"
	"github.com/llnl/unifyfs/internal/extentkv"
	"github.com/llnl/unifyfs/internal/shm"
)

func newTestClient(t *testing.T) (*Client, *shm.WriteIndex, *shm.FileAttrIndex) {
	dir := t.TempDir()
	wi, err := shm.OpenWriteIndex(filepath.Join(dir, "write.idx"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { wi.Close() })

	fai, err := shm.OpenFileAttrIndex(filepath.Join(dir, "fattr.idx"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { fai.Close() })

	c := NewClient(1, 1, 7, wi, fai)
	return c, wi, fai
}

func TestFsyncCoalescesBeforeEmitting(t *testing.T) {
	c, wi, _ := newTestClient(t)

	// Two overlapping raw writes to fid=1: [0,9] then overwritten by [5,14].
	require.NoError(t, wi.Append(0, shm.RawIndexEntry{Fid: 1, FilePos: 0, MemPos: 1000, Length: 10}))
	require.NoError(t, wi.Append(1, shm.RawIndexEntry{Fid: 1, FilePos: 5, MemPos: 2000, Length: 10}))

	store := extentkv.NewShardedStore(2, 1024)
	attrs := attrkv.NewMemStore()
	co := New(store, attrs, zap.NewNop().Sugar())

	require.NoError(t, co.Fsync(context.Background(), c))

	entries, err := store.RangeGet(context.Background(), []extentkv.KeyRange{
		{Start: extentkv.Key{Fid: 1, Offset: 0}, End: extentkv.Key{Fid: 1, Offset: 14}},
	})
	require.NoError(t, err)

	// Coalescing means exactly two non-overlapping segments are emitted,
	// not two raw overlapping entries.
	require.Len(t, entries, 2)
}

func TestFsyncFlushesFileAttributes(t *testing.T) {
	c, _, fai := newTestClient(t)
	require.NoError(t, fai.Append(0, shm.FileAttrEntry{Gfid: 42, Fid: 1, Filename: "foo.dat"}))

	store := extentkv.NewShardedStore(2, 1024)
	attrs := attrkv.NewMemStore()
	co := New(store, attrs, zap.NewNop().Sugar())

	require.NoError(t, co.Fsync(context.Background(), c))

	a, err := attrs.Get(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, "foo.dat", a.Filename)
	require.EqualValues(t, 1, a.Fid)
}

func TestFsyncOnEmptyClientIsNoop(t *testing.T) {
	c, _, _ := newTestClient(t)
	store := extentkv.NewShardedStore(2, 1024)
	attrs := attrkv.NewMemStore()
	co := New(store, attrs, zap.NewNop().Sugar())

	require.NoError(t, co.Fsync(context.Background(), c))
}
