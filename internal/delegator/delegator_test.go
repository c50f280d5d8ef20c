package delegator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llnl/unifyfs/internal/config"
	"github.com/llnl/unifyfs/internal/extentkv"
	"github.com/llnl/unifyfs/internal/rpcproto"
	"github.com/llnl/unifyfs/internal/shm"
)

func buildSingleItemBatch(appID, clientID uint32, offset, length uint64) rpcproto.ReadRequestBatch {
	return rpcproto.ReadRequestBatch{Items: []rpcproto.ReadRequestItem{{
		DestAppID:     appID,
		DestClientID:  clientID,
		DestLogOffset: offset,
		Length:        length,
		SrcFid:        1,
	}}}
}

func newTestDelegator(t *testing.T) *Delegator {
	cfg := config.Default()
	cfg.NumShards = 2
	cfg.MetaRangeSize = 1024
	return New(1, cfg, StaticPeers{}, zap.NewNop().Sugar())
}

func connectTestClient(t *testing.T, d *Delegator, appID, clientID uint32) {
	dir := t.TempDir()
	sb, err := shm.OpenDataLog(filepath.Join(dir, "data"), 4096)
	require.NoError(t, err)
	wi, err := shm.OpenWriteIndex(filepath.Join(dir, "write.idx"), 16)
	require.NoError(t, err)
	fai, err := shm.OpenFileAttrIndex(filepath.Join(dir, "fattr.idx"), 16)
	require.NoError(t, err)
	reqBuf, err := shm.OpenRequestBuffer(filepath.Join(dir, "req.buf"), 16)
	require.NoError(t, err)
	replyBuf, err := shm.OpenReplyBuffer(filepath.Join(dir, "reply.buf"), 4096)
	require.NoError(t, err)

	d.Connect(appID, clientID, sb, wi, fai, reqBuf, replyBuf, nil)
	t.Cleanup(func() { d.Disconnect(appID, clientID) })
}

func TestConnectRegistersClientAndDisconnectTearsItDown(t *testing.T) {
	d := newTestDelegator(t)
	connectTestClient(t, d, 1, 1)

	_, ok := d.DataLog(1, 1)
	require.True(t, ok)

	d.Disconnect(1, 1)
	_, ok = d.DataLog(1, 1)
	require.False(t, ok)
}

func TestFsyncOnConnectedClientDrainsIndexes(t *testing.T) {
	d := newTestDelegator(t)
	connectTestClient(t, d, 1, 1)

	cs, ok := d.client(1, 1)
	require.True(t, ok)
	require.NoError(t, cs.writeIndex.Append(0, shm.RawIndexEntry{Fid: 1, FilePos: 0, MemPos: 0, Length: 10}))

	require.NoError(t, d.Fsync(context.Background(), 1, 1))

	entries, err := d.Extents.RangeGet(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, entries) // a nil range list matches nothing; see RangeGet's contract

	entries, err = d.Extents.RangeGet(context.Background(), []extentkv.KeyRange{
		{Start: extentkv.Key{Fid: 1, Offset: 0}, End: extentkv.Key{Fid: 1, Offset: 9}},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.EqualValues(t, 10, entries[0].Value.Length)
	require.EqualValues(t, d.ID, entries[0].Value.DelegatorID)
}

func TestDispatchServicesLocallyWhenDelegatorIDMatchesSelf(t *testing.T) {
	d := newTestDelegator(t)
	connectTestClient(t, d, 1, 1)

	cs, ok := d.client(1, 1)
	require.True(t, ok)
	payload := []byte("hello-world-12345")
	_, err := cs.superblock.WriteAt(payload, 0)
	require.NoError(t, err)

	batch := buildSingleItemBatch(1, 1, 0, uint64(len(payload)))
	reply, err := d.Dispatch(context.Background(), d.ID, batch)
	require.NoError(t, err)
	require.Len(t, reply.Replies, 1)
	require.Equal(t, payload, reply.Replies[0].Payload)
}

func TestDispatchReturnsErrorForUnknownPeer(t *testing.T) {
	d := newTestDelegator(t)
	_, err := d.Dispatch(context.Background(), 99, buildSingleItemBatch(1, 1, 0, 1))
	require.Error(t, err)
}
