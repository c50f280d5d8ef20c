package reqmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llnl/unifyfs/internal/extentkv"
	"github.com/llnl/unifyfs/internal/rpcproto"
	"github.com/llnl/unifyfs/internal/shm"
)

type fakePeerCaller struct {
	calls []rpcproto.ReadRequestBatch
	dests []uint32
}

func (f *fakePeerCaller) Dispatch(_ context.Context, delegatorID uint32, batch rpcproto.ReadRequestBatch) (rpcproto.ReadReplyBatch, error) {
	f.calls = append(f.calls, batch)
	f.dests = append(f.dests, delegatorID)
	replies := make([]rpcproto.ReadReply, len(batch.Items))
	for i, item := range batch.Items {
		replies[i] = rpcproto.ReadReply{
			Header: rpcproto.ReadReplyHeader{
				SrcOffset: item.SrcOffset,
				Length:    item.Length,
				SrcFid:    item.SrcFid,
			},
			Payload: make([]byte, item.Length),
		}
	}
	return rpcproto.ReadReplyBatch{Replies: replies}, nil
}

type recordingSink struct {
	writes map[uint64]shm.ReplyHeader
}

func (r *recordingSink) WriteAt(off uint64, h shm.ReplyHeader, payload []byte) error {
	if r.writes == nil {
		r.writes = make(map[uint64]shm.ReplyHeader)
	}
	r.writes[off] = h
	return nil
}

func TestRequestDispatchGroupsByDestinationDelegator(t *testing.T) {
	store := extentkv.NewShardedStore(4, 1024)
	ctx := context.Background()

	// Two destinations: delegator 1 owns [0,99], delegator 2 owns [100,199].
	require.NoError(t, store.BatchPut(ctx, []extentkv.Entry{
		{Key: extentkv.Key{Fid: 1, Offset: 0}, Value: extentkv.Value{Addr: 1000, Length: 100, DelegatorID: 1}},
		{Key: extentkv.Key{Fid: 1, Offset: 100}, Value: extentkv.Value{Addr: 2000, Length: 100, DelegatorID: 2}},
	}))

	peers := &fakePeerCaller{}
	sink := &recordingSink{}
	log := zap.NewNop().Sugar()
	mgr := New(1, 1, 9, store, peers, sink, log)

	err := mgr.HandleBatch(ctx, []shm.ReadMeta{{SrcFid: 1, Offset: 0, Length: 200}})
	require.NoError(t, err)

	require.Len(t, peers.calls, 2, "expected exactly one RPC per distinct destination delegator")
	require.ElementsMatch(t, []uint32{1, 2}, peers.dests)

	require.Contains(t, sink.writes, uint64(0))
	require.Contains(t, sink.writes, uint64(100))

	for _, call := range peers.calls {
		for _, item := range call.Items {
			require.False(t, item.ArrivalTime.IsZero(), "dispatched item must carry a stamped arrival time")
			require.EqualValues(t, 9, item.SrcDelegator)
		}
	}
}

func TestResolveEmitsTwoProbeKeysPerRequest(t *testing.T) {
	store := extentkv.NewShardedStore(2, 64)
	ctx := context.Background()
	require.NoError(t, store.BatchPut(ctx, []extentkv.Entry{
		{Key: extentkv.Key{Fid: 5, Offset: 10}, Value: extentkv.Value{Addr: 500, Length: 20, DelegatorID: 3}},
	}))

	mgr := New(1, 1, 9, store, nil, nil, zap.NewNop().Sugar())
	arrival := time.Now()
	bindings, err := mgr.resolve(ctx, []shm.ReadMeta{{SrcFid: 5, Offset: 10, Length: 20}}, arrival)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	require.EqualValues(t, 3, bindings[0].DestDelegator)
	require.EqualValues(t, 500, bindings[0].DestLogOffset)
	require.Equal(t, arrival, bindings[0].ArrivalTime)
}
