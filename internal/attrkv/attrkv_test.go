package attrkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llnl/unifyfs/internal/unifyfserr"
)

func TestPutGetRoundTrip(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	a := Attr{
		Gfid:     42,
		Fid:      7,
		Filename: "data.bin",
		FileAttr: FileAttr{
			Mode:  0644,
			Size:  4096,
			UID:   1000,
			GID:   1000,
			Atime: 111,
			Mtime: 222,
			Ctime: 333,
		},
	}
	require.NoError(t, store.Put(ctx, a))

	got, err := store.Get(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := NewMemStore()
	_, err := store.Get(context.Background(), 99)
	require.ErrorIs(t, err, unifyfserr.ErrNotFound)
}

func TestBatchPutRoundTrip(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	attrs := []Attr{
		{Gfid: 1, Filename: "a"},
		{Gfid: 2, Filename: "b"},
		{Gfid: 3, Filename: "c"},
	}
	require.NoError(t, store.BatchPut(ctx, attrs))

	for _, want := range attrs {
		got, err := store.Get(ctx, want.Gfid)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestPutOverwritesPriorAttrForSameGfid(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Attr{Gfid: 5, Filename: "old"}))
	require.NoError(t, store.Put(ctx, Attr{Gfid: 5, Filename: "new"}))

	got, err := store.Get(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, "new", got.Filename)
}
