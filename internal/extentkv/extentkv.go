// Package extentkv implements the extent metadata service (C3): a
// sharded, ordered key-value store keyed by (fid, offset), with a
// range-query primitive that lets any delegator map a read request to the
// set of physical locations servicing it (spec §4.3).
package extentkv

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/llnl/unifyfs/internal/unifyfserr"
)

// Key is the lexicographic (fid, offset) key schema of spec §3: compared
// first by Fid ascending, then by Offset ascending.
type Key struct {
	Fid    uint64
	Offset uint64
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	if k.Fid != other.Fid {
		return k.Fid < other.Fid
	}
	return k.Offset < other.Offset
}

// Value is the extent KV value of spec §3: the owning delegator's log
// offset for the byte at Offset, its length, and the client identity
// whose log holds the data.
type Value struct {
	Addr        uint64
	Length      uint64
	DelegatorID uint32
	AppID       uint32
	Rank        uint32
}

// Entry is one stored (Key, Value) pair. The server never de-duplicates
// on put: multiple entries may coexist for the same key (spec §3), and a
// range-get returns all of them.
type Entry struct {
	Key   Key
	Value Value
}

// KeyRange is a closed range [Start, End] of keys, as supplied to
// RangeGet. The request manager issues one such range per read request,
// bounded by the two probe keys (fid,off) and (fid,off+len-1) of spec §4.5.
type KeyRange struct {
	Start Key
	End   Key
}

func (r KeyRange) intersects(k Key) bool {
	return !k.Less(r.Start) && !r.End.Less(k)
}

// Store is the contract a delegator flushes coalesced segments through,
// and the protocol any delegator uses to resolve a read to its owning
// delegators (spec §4.3, §6).
type Store interface {
	// BatchPut routes every entry to its shard by key and inserts it.
	// Partial failure of any shard collapses the whole batch to
	// unifyfserr.ErrKVBackend (spec §4.3, §7).
	BatchPut(ctx context.Context, entries []Entry) error

	// RangeGet returns every stored entry whose key falls in any
	// supplied range, scattering the query across shards concurrently
	// and gathering the results (spec §4.3's "Cross-shard" scan).
	RangeGet(ctx context.Context, ranges []KeyRange) ([]Entry, error)
}

// shard is one in-process ordered partition of the key space. Duplicate
// keys are permitted — see Store's BatchPut doc.
type shard struct {
	mu      sync.RWMutex
	entries []Entry // kept sorted by Key for range scans
}

func (s *shard) put(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].Key.Less(e.Key)
	})
	s.entries = append(s.entries, Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

func (s *shard) rangeScan(ctx context.Context, ranges []KeyRange) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, r := range ranges {
			if r.intersects(e.Key) {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

// ShardedStore is the in-process stand-in for the external ordered KV
// store spec §1 treats as out of scope: a fixed number of ordered shards
// routed by stripe, per spec §4.3.
type ShardedStore struct {
	shards    []*shard
	rangeSize uint64
	numShards int
}

// NewShardedStore creates a store with numShards shards, sharding keys
// into rangeSize-byte stripes per file before routing (spec §4.3:
// "range_size is a deployment constant; all delegators must agree").
func NewShardedStore(numShards int, rangeSize uint64) *ShardedStore {
	if numShards < 1 {
		numShards = 1
	}
	if rangeSize == 0 {
		rangeSize = 1
	}
	s := &ShardedStore{
		shards:    make([]*shard, numShards),
		rangeSize: rangeSize,
		numShards: numShards,
	}
	for i := range s.shards {
		s.shards[i] = &shard{}
	}
	return s
}

// shardIndex computes s = fid*stripesPerFile + offset/range_size, shard =
// s mod numShards, per spec §4.3. stripesPerFile is taken as 1, so a
// file's first stripe lands on shard fid mod numShards and its later
// stripes rotate through every shard from there.
func (s *ShardedStore) shardIndex(fid, offset uint64) int {
	stripe := fid + offset/s.rangeSize
	return int(stripe % uint64(s.numShards))
}

// BatchPut implements Store.
func (s *ShardedStore) BatchPut(_ context.Context, entries []Entry) error {
	for _, e := range entries {
		idx := s.shardIndex(e.Key.Fid, e.Key.Offset)
		s.shards[idx].put(e)
	}
	return nil
}

// RangeGet implements Store. Every shard is scanned concurrently; any
// shard error collapses the whole call to ErrKVBackend.
func (s *ShardedStore) RangeGet(ctx context.Context, ranges []KeyRange) ([]Entry, error) {
	results := make([][]Entry, len(s.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, sh := range s.shards {
		i, sh := i, sh
		g.Go(func() error {
			r, err := sh.rangeScan(gctx, ranges)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, unifyfserr.ErrKVBackend
	}
	var out []Entry
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}
