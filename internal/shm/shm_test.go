package shm

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriteIndex(filepath.Join(dir, "write.idx"), 8)
	require.NoError(t, err)
	defer w.Close()

	entries := []RawIndexEntry{
		{Fid: 1, FilePos: 0, MemPos: 100, Length: 64},
		{Fid: 1, FilePos: 64, MemPos: 164, Length: 32},
	}
	for i, e := range entries {
		require.NoError(t, w.Append(uint64(i), e))
	}
	require.EqualValues(t, 2, w.NumEntries())

	for i, want := range entries {
		got, err := w.Read(uint64(i))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestFileAttrIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFileAttrIndex(filepath.Join(dir, "fattr.idx"), 4)
	require.NoError(t, err)
	defer f.Close()

	e := FileAttrEntry{Gfid: 7, Fid: 1, Filename: "data.bin"}
	require.NoError(t, f.Append(0, e))

	got, err := f.Read(0)
	require.NoError(t, err)
	require.Equal(t, e.Gfid, got.Gfid)
	require.Equal(t, e.Fid, got.Fid)
	require.Equal(t, e.Filename, got.Filename)
}

func TestDataLogReadWriteAtBounds(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDataLog(filepath.Join(dir, "data.log"), 128)
	require.NoError(t, err)
	defer d.Close()

	payload := []byte("hello world")
	n, err := d.WriteAt(payload, 10)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = d.ReadAt(buf, 10)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])

	_, err = d.ReadAt(make([]byte, 8), 127)
	require.ErrorIs(t, err, io.EOF)
}

func TestRequestBufferRoundTrip(t *testing.T) {
	dir := t.TempDir()
	q, err := OpenRequestBuffer(filepath.Join(dir, "req.buf"), 4)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Post(0, ReadMeta{SrcFid: 1, Offset: 0, Length: 100}))
	require.NoError(t, q.Post(1, ReadMeta{SrcFid: 1, Offset: 100, Length: 50}))
	require.EqualValues(t, 2, q.Num())

	m, err := q.Read(1)
	require.NoError(t, err)
	require.Equal(t, ReadMeta{SrcFid: 1, Offset: 100, Length: 50}, m)

	q.Reset()
	require.EqualValues(t, 0, q.Num())
}

func TestReplyBufferOutOfOrderWrites(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenReplyBuffer(filepath.Join(dir, "reply.buf"), 1024)
	require.NoError(t, err)
	defer r.Close()

	// Write the second reply first, then the first: writes into
	// client-visible memory may land in any order (spec §4.5).
	require.NoError(t, r.WriteAt(replyHeaderWidth+4, ReplyHeader{SrcOffset: 4, Length: 4, SrcFid: 1}, []byte("BBBB")))
	require.NoError(t, r.WriteAt(0, ReplyHeader{SrcOffset: 0, Length: 4, SrcFid: 1}, []byte("AAAA")))

	h0, err := r.ReadHeaderAt(0)
	require.NoError(t, err)
	require.EqualValues(t, 0, h0.SrcOffset)

	h1, err := r.ReadHeaderAt(replyHeaderWidth + 4)
	require.NoError(t, err)
	require.EqualValues(t, 4, h1.SrcOffset)
}
