// Package attrkv implements the attribute KV adapter (C4): a point
// put/get index mapping global file id to file attributes, with no range
// scan (spec §4.4).
package attrkv

import (
	"context"
	"sync"

	"github.com/llnl/unifyfs/internal/unifyfserr"
)

// FileAttr recovers the standard stat fields the distilled spec leaves as
// "the standard stat record" (spec §3); field names follow
// original_source/server/src/unifycr_global.h's attribute struct.
type FileAttr struct {
	Mode  uint32
	Size  uint64
	UID   uint32
	GID   uint32
	Atime int64
	Mtime int64
	Ctime int64
}

// Attr is the attribute KV value, keyed by Gfid (spec §3).
type Attr struct {
	Gfid     int32
	Fid      int32
	FileAttr FileAttr
	Filename string
}

// Store is the point put/get/batch-put contract of spec §4.4.
type Store interface {
	Put(ctx context.Context, a Attr) error
	BatchPut(ctx context.Context, attrs []Attr) error
	Get(ctx context.Context, gfid int32) (Attr, error)
}

// MemStore is the in-process stand-in for the attribute KV index. Unlike
// extentkv's ShardedStore, attribute lookups are point-only, so a single
// locked map suffices (spec §4.4: "No range scan").
type MemStore struct {
	mu    sync.RWMutex
	attrs map[int32]Attr
}

// NewMemStore returns an empty attribute store.
func NewMemStore() *MemStore {
	return &MemStore{attrs: make(map[int32]Attr)}
}

// Put implements Store.
func (m *MemStore) Put(_ context.Context, a Attr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attrs[a.Gfid] = a
	return nil
}

// BatchPut implements Store, with the same whole-batch-failure discipline
// as extentkv.Store.BatchPut (spec §4.4, §7): since MemStore's Put cannot
// itself fail, the batch always succeeds, but the signature is kept
// uniform with a real sharded backend that could fail mid-batch.
func (m *MemStore) BatchPut(ctx context.Context, attrs []Attr) error {
	for _, a := range attrs {
		if err := m.Put(ctx, a); err != nil {
			return unifyfserr.ErrKVBackend
		}
	}
	return nil
}

// Get implements Store.
func (m *MemStore) Get(_ context.Context, gfid int32) (Attr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attrs[gfid]
	if !ok {
		return Attr{}, unifyfserr.ErrNotFound
	}
	return a, nil
}
