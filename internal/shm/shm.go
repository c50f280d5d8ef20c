// Package shm implements the client-delegator shared-memory regions of
// spec §4.2 and §6: the superblock (data log + write index + file
// attribute index), the request buffer, and the reply buffer. Each region
// is a file mapped with gommap, generalizing the teacher's index.go
// read/write-at-offset pattern from a single offset/position pair to the
// three region layouts spec §6 names.
//
// This package owns only encode/decode and offset arithmetic; it holds no
// business logic, matching spec §4.2's "outside the core's invariants
// except that it is the sole input to C7".
package shm

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

var enc = binary.BigEndian

// RawIndexEntry is the raw (fid, file_pos, mem_pos, length) record of
// spec §3/§6, produced append-only by a client and FIFO-consumed by the
// delegator.
type RawIndexEntry struct {
	Fid     int32
	FilePos uint64
	MemPos  uint64
	Length  uint64
}

const rawIndexEntryWidth = 4 + 8 + 8 + 8 // Fid + FilePos + MemPos + Length

func (e RawIndexEntry) encode(b []byte) {
	enc.PutUint32(b[0:4], uint32(e.Fid))
	enc.PutUint64(b[4:12], e.FilePos)
	enc.PutUint64(b[12:20], e.MemPos)
	enc.PutUint64(b[20:28], e.Length)
}

func decodeRawIndexEntry(b []byte) RawIndexEntry {
	return RawIndexEntry{
		Fid:     int32(enc.Uint32(b[0:4])),
		FilePos: enc.Uint64(b[4:12]),
		MemPos:  enc.Uint64(b[12:20]),
		Length:  enc.Uint64(b[20:28]),
	}
}

// FileAttrEntry is the raw (gfid, fid, file_attr, filename) record held
// in the superblock's file-attribute index (spec §6). Filename is stored
// as a fixed-width, NUL-padded field so the region stays a flat array of
// fixed-size records.
type FileAttrEntry struct {
	Gfid     int32
	Fid      int32
	FileAttr [statRecordWidth]byte // opaque stat record, owned by attrkv.FileAttr's caller
	Filename string
}

// statRecordWidth is the opaque stat record's wire width: mode(4) +
// size(8) + uid(4) + gid(4) + atime(8) + mtime(8) + ctime(8), matching
// attrkv.FileAttr's seven fields in declaration order.
const statRecordWidth = 4 + 8 + 4 + 4 + 8 + 8 + 8

const maxFilenameBytes = 256
const fileAttrEntryWidth = 4 + 4 + statRecordWidth + maxFilenameBytes

func (e FileAttrEntry) encode(b []byte) {
	enc.PutUint32(b[0:4], uint32(e.Gfid))
	enc.PutUint32(b[4:8], uint32(e.Fid))
	copy(b[8:8+statRecordWidth], e.FileAttr[:])
	nameBuf := b[8+statRecordWidth : 8+statRecordWidth+maxFilenameBytes]
	for i := range nameBuf {
		nameBuf[i] = 0
	}
	copy(nameBuf, e.Filename)
}

func decodeFileAttrEntry(b []byte) FileAttrEntry {
	var fa FileAttrEntry
	fa.Gfid = int32(enc.Uint32(b[0:4]))
	fa.Fid = int32(enc.Uint32(b[4:8]))
	copy(fa.FileAttr[:], b[8:8+statRecordWidth])
	nameBuf := b[8+statRecordWidth : 8+statRecordWidth+maxFilenameBytes]
	n := 0
	for n < len(nameBuf) && nameBuf[n] != 0 {
		n++
	}
	fa.Filename = string(nameBuf[:n])
	return fa
}

// region wraps a num_entries header followed by a contiguous array of
// fixed-width records, mirroring index.go's mmap lifecycle (truncate to
// capacity, map, sync on close). file is nil when the
// region is a sub-view into a larger mapping (e.g. a Superblock) that
// owns the underlying file itself.
type region struct {
	file  *os.File
	mMap  gommap.MMap
	width int
}

const headerWidth = 8 // u64 num_entries

func openRegion(path string, capacityBytes uint64, width int) (*region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if uint64(fi.Size()) < capacityBytes {
		if err := os.Truncate(path, int64(capacityBytes)); err != nil {
			f.Close()
			return nil, err
		}
	}
	m, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &region{file: f, mMap: m, width: width}, nil
}

// newRegionView wraps a sub-slice of an already-mapped superblock as a
// region, without owning a file of its own.
func newRegionView(buf []byte, width int) *region {
	return &region{mMap: buf, width: width}
}

func (r *region) numEntries() uint64 {
	return enc.Uint64(r.mMap[0:headerWidth])
}

func (r *region) setNumEntries(n uint64) {
	enc.PutUint64(r.mMap[0:headerWidth], n)
}

func (r *region) recordSlice(i uint64) ([]byte, error) {
	off := headerWidth + i*uint64(r.width)
	if off+uint64(r.width) > uint64(len(r.mMap)) {
		return nil, io.EOF
	}
	return r.mMap[off : off+uint64(r.width)], nil
}

// close syncs the region's bytes. It closes the backing file only when
// this region owns one — a sub-view into a Superblock does not, and is
// closed through Superblock.Close instead.
func (r *region) close() error {
	if err := r.mMap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// WriteIndex is the client-side write index region of the superblock: a
// header followed by RawIndexEntry records.
type WriteIndex struct{ r *region }

// OpenWriteIndex maps path as a write-index region sized for maxEntries
// records.
func OpenWriteIndex(path string, maxEntries uint64) (*WriteIndex, error) {
	r, err := openRegion(path, headerWidth+maxEntries*rawIndexEntryWidth, rawIndexEntryWidth)
	if err != nil {
		return nil, err
	}
	return &WriteIndex{r: r}, nil
}

// NumEntries returns the number of entries the client has published.
func (w *WriteIndex) NumEntries() uint64 { return w.r.numEntries() }

// Append writes entry at index i and, if i+1 exceeds the published count,
// advances num_entries. The client promises not to mutate entries below
// num_entries until the delegator acknowledges fsync (spec §4.2).
func (w *WriteIndex) Append(i uint64, e RawIndexEntry) error {
	b, err := w.r.recordSlice(i)
	if err != nil {
		return err
	}
	e.encode(b)
	if i+1 > w.r.numEntries() {
		w.r.setNumEntries(i + 1)
	}
	return nil
}

// Read returns the i'th raw index entry.
func (w *WriteIndex) Read(i uint64) (RawIndexEntry, error) {
	b, err := w.r.recordSlice(i)
	if err != nil {
		return RawIndexEntry{}, err
	}
	return decodeRawIndexEntry(b), nil
}

// Close syncs and closes the backing file.
func (w *WriteIndex) Close() error { return w.r.close() }

// FileAttrIndex is the superblock's file-attribute region: a header
// followed by FileAttrEntry records.
type FileAttrIndex struct{ r *region }

// OpenFileAttrIndex maps path as a file-attribute region sized for
// maxEntries records.
func OpenFileAttrIndex(path string, maxEntries uint64) (*FileAttrIndex, error) {
	r, err := openRegion(path, headerWidth+maxEntries*fileAttrEntryWidth, fileAttrEntryWidth)
	if err != nil {
		return nil, err
	}
	return &FileAttrIndex{r: r}, nil
}

// NumEntries returns the number of published file-attribute entries.
func (f *FileAttrIndex) NumEntries() uint64 { return f.r.numEntries() }

// Append writes entry at index i, advancing num_entries as needed.
func (f *FileAttrIndex) Append(i uint64, e FileAttrEntry) error {
	b, err := f.r.recordSlice(i)
	if err != nil {
		return err
	}
	e.encode(b)
	if i+1 > f.r.numEntries() {
		f.r.setNumEntries(i + 1)
	}
	return nil
}

// Read returns the i'th file-attribute entry.
func (f *FileAttrIndex) Read(i uint64) (FileAttrEntry, error) {
	b, err := f.r.recordSlice(i)
	if err != nil {
		return FileAttrEntry{}, err
	}
	return decodeFileAttrEntry(b), nil
}

// Close syncs and closes the backing file.
func (f *FileAttrIndex) Close() error { return f.r.close() }

// DataLog is the client's append-only data log, mapped at the
// superblock's data_offset (spec §6). It is a flat byte region; the
// client appends bytes and the delegator reads them back at a physical
// log offset discovered via the segment tree / extent KV. file is nil
// when DataLog is a sub-view into a Superblock.
type DataLog struct {
	file *os.File
	mMap gommap.MMap
}

// newDataLogView wraps a sub-slice of an already-mapped superblock as a
// DataLog, without owning a file of its own.
func newDataLogView(buf []byte) *DataLog {
	return &DataLog{mMap: buf}
}

// OpenDataLog maps path as a data-log region of capacityBytes.
func OpenDataLog(path string, capacityBytes uint64) (*DataLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if uint64(fi.Size()) < capacityBytes {
		if err := os.Truncate(path, int64(capacityBytes)); err != nil {
			f.Close()
			return nil, err
		}
	}
	m, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &DataLog{file: f, mMap: m}, nil
}

// ReadAt copies len(p) bytes starting at off into p. Returns io.EOF if
// the read would run past the mapped region — the caller (C6) interprets
// that as "past the superblock, fall back to spillover" (spec §4.6).
func (d *DataLog) ReadAt(p []byte, off uint64) (int, error) {
	if off+uint64(len(p)) > uint64(len(d.mMap)) {
		return 0, io.EOF
	}
	n := copy(p, d.mMap[off:off+uint64(len(p))])
	return n, nil
}

// WriteAt copies p into the data log starting at off.
func (d *DataLog) WriteAt(p []byte, off uint64) (int, error) {
	if off+uint64(len(p)) > uint64(len(d.mMap)) {
		return 0, io.EOF
	}
	return copy(d.mMap[off:off+uint64(len(p))], p), nil
}

// Len returns the data log's mapped capacity in bytes.
func (d *DataLog) Len() uint64 { return uint64(len(d.mMap)) }

// Close syncs the region and closes the backing file, when this DataLog
// owns one — a sub-view into a Superblock does not, and is closed through
// Superblock.Close instead.
func (d *DataLog) Close() error {
	if err := d.mMap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}

// SuperblockLayout computes the byte offsets of the three sub-regions
// held within one client's superblock mapping, mirroring app_config_t's
// meta_offset/meta_size, fmeta_offset/fmeta_size, and data_offset/data_size
// fields (original_source/server/src/unifycr_global.h:202-213). req_buf_sz
// and recv_buf_sz from the same struct are not laid out here: this repo
// maps the request and reply buffers as their own separate shared-memory
// segments (RequestBuffer, ReplyBuffer below), matching spec §5's "three
// shared-memory segments per client (superblock, request buffer, reply
// buffer)" rather than folding all five regions into one file.
type SuperblockLayout struct {
	MetaOffset  uint64
	MetaSize    uint64
	FMetaOffset uint64
	FMetaSize   uint64
	DataOffset  uint64
	DataSize    uint64
}

// NewSuperblockLayout lays the write index, file-attribute index, and data
// log back to back within one superblock region: write index first, then
// file-attribute index, then the data log, sized to hold maxWriteEntries
// write-index records, maxAttrEntries file-attribute records, and
// dataBytes of log data respectively.
func NewSuperblockLayout(maxWriteEntries, maxAttrEntries, dataBytes uint64) SuperblockLayout {
	metaSize := headerWidth + maxWriteEntries*rawIndexEntryWidth
	fmetaSize := headerWidth + maxAttrEntries*fileAttrEntryWidth
	return SuperblockLayout{
		MetaOffset:  0,
		MetaSize:    metaSize,
		FMetaOffset: metaSize,
		FMetaSize:   fmetaSize,
		DataOffset:  metaSize + fmetaSize,
		DataSize:    dataBytes,
	}
}

// TotalSize is the superblock's total mapped capacity.
func (l SuperblockLayout) TotalSize() uint64 { return l.DataOffset + l.DataSize }

// Superblock is the single mmap'd per-client region spec §5/§6 describe:
// one shared-memory segment holding the write index, file-attribute
// index, and data log back to back at the offsets SuperblockLayout
// computes.
type Superblock struct {
	file   *os.File
	mMap   gommap.MMap
	layout SuperblockLayout

	writeIndex    *WriteIndex
	fileAttrIndex *FileAttrIndex
	dataLog       *DataLog
}

// OpenSuperblock maps path as one superblock region laid out per layout.
func OpenSuperblock(path string, layout SuperblockLayout) (*Superblock, error) {
	capacity := layout.TotalSize()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if uint64(fi.Size()) < capacity {
		if err := os.Truncate(path, int64(capacity)); err != nil {
			f.Close()
			return nil, err
		}
	}
	m, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	sb := &Superblock{file: f, mMap: m, layout: layout}
	sb.writeIndex = &WriteIndex{r: newRegionView(m[layout.MetaOffset:layout.MetaOffset+layout.MetaSize], rawIndexEntryWidth)}
	sb.fileAttrIndex = &FileAttrIndex{r: newRegionView(m[layout.FMetaOffset:layout.FMetaOffset+layout.FMetaSize], fileAttrEntryWidth)}
	sb.dataLog = newDataLogView(m[layout.DataOffset : layout.DataOffset+layout.DataSize])
	return sb, nil
}

// WriteIndex returns the superblock's write-index sub-region.
func (s *Superblock) WriteIndex() *WriteIndex { return s.writeIndex }

// FileAttrIndex returns the superblock's file-attribute sub-region.
func (s *Superblock) FileAttrIndex() *FileAttrIndex { return s.fileAttrIndex }

// DataLog returns the superblock's data-log sub-region.
func (s *Superblock) DataLog() *DataLog { return s.dataLog }

// Close syncs the whole mapping and closes the backing file.
func (s *Superblock) Close() error {
	if err := s.mMap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return s.file.Close()
}
