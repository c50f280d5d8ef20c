package shm

import (
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

// ReadMeta is the "shm_meta" record of the request buffer: a client-posted
// read request (spec §4.5, §6): (src_fid, offset, length).
type ReadMeta struct {
	SrcFid int32
	Offset uint64
	Length uint64
}

const readMetaWidth = 4 + 8 + 8

func (m ReadMeta) encode(b []byte) {
	enc.PutUint32(b[0:4], uint32(m.SrcFid))
	enc.PutUint64(b[4:12], m.Offset)
	enc.PutUint64(b[12:20], m.Length)
}

func decodeReadMeta(b []byte) ReadMeta {
	return ReadMeta{
		SrcFid: int32(enc.Uint32(b[0:4])),
		Offset: enc.Uint64(b[4:12]),
		Length: enc.Uint64(b[12:20]),
	}
}

// RequestBuffer is the client's request region: header `num: u32` then
// ReadMeta records (spec §6).
type RequestBuffer struct {
	file *os.File
	mMap gommap.MMap
}

const requestHeaderWidth = 4 // u32 num

// OpenRequestBuffer maps path as a request buffer sized for maxEntries
// ReadMeta records.
func OpenRequestBuffer(path string, maxEntries uint64) (*RequestBuffer, error) {
	capacity := requestHeaderWidth + maxEntries*readMetaWidth
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
	return &RequestBuffer{file: f, mMap: m}, nil
}

// Num returns the number of requests currently posted.
func (q *RequestBuffer) Num() uint32 {
	return enc.Uint32(q.mMap[0:requestHeaderWidth])
}

func (q *RequestBuffer) setNum(n uint32) {
	enc.PutUint32(q.mMap[0:requestHeaderWidth], n)
}

// Post appends a read request at index i and advances num if needed,
// bounded by MAX_META_PER_SEND (spec §4.5) enforced by the caller via
// maxEntries passed to OpenRequestBuffer.
func (q *RequestBuffer) Post(i uint64, m ReadMeta) error {
	off := requestHeaderWidth + i*readMetaWidth
	if off+readMetaWidth > uint64(len(q.mMap)) {
		return io.EOF
	}
	m.encode(q.mMap[off : off+readMetaWidth])
	if uint32(i+1) > q.Num() {
		q.setNum(uint32(i + 1))
	}
	return nil
}

// Read returns the i'th posted request.
func (q *RequestBuffer) Read(i uint64) (ReadMeta, error) {
	off := requestHeaderWidth + i*readMetaWidth
	if off+readMetaWidth > uint64(len(q.mMap)) {
		return ReadMeta{}, io.EOF
	}
	return decodeReadMeta(q.mMap[off : off+readMetaWidth]), nil
}

// Reset zeroes num so the buffer can be reused for the next batch.
func (q *RequestBuffer) Reset() { q.setNum(0) }

// Close syncs and closes the backing file.
func (q *RequestBuffer) Close() error {
	if err := q.mMap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return q.file.Close()
}

// ReplyHeader precedes each payload chunk in the reply buffer: (src_offset,
// length, src_fid, errcode) per spec §4.5, §6. Errcode non-zero with
// Length zero reports a per-byte read error (spec §7).
type ReplyHeader struct {
	SrcOffset uint64
	Length    uint64
	SrcFid    int32
	Errcode   int32
}

const replyHeaderWidth = 8 + 8 + 4 + 4

func (h ReplyHeader) encode(b []byte) {
	enc.PutUint64(b[0:8], h.SrcOffset)
	enc.PutUint64(b[8:16], h.Length)
	enc.PutUint32(b[16:20], uint32(h.SrcFid))
	enc.PutUint32(b[20:24], uint32(h.Errcode))
}

func decodeReplyHeader(b []byte) ReplyHeader {
	return ReplyHeader{
		SrcOffset: enc.Uint64(b[0:8]),
		Length:    enc.Uint64(b[8:16]),
		SrcFid:    int32(enc.Uint32(b[16:20])),
		Errcode:   int32(enc.Uint32(b[20:24])),
	}
}

// ReplyBuffer is the client's reply region: a stream of
// (ReplyHeader, payload) pairs, written by the request manager as replies
// arrive and possibly out of order (spec §4.5). The tail pointer advances
// only once a whole header-plus-payload pair is in place.
type ReplyBuffer struct {
	file *os.File
	mMap gommap.MMap
	tail uint64 // next byte offset to publish a complete pair at
}

// OpenReplyBuffer maps path as a reply buffer of capacityBytes.
func OpenReplyBuffer(path string, capacityBytes uint64) (*ReplyBuffer, error) {
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
	return &ReplyBuffer{file: f, mMap: m}, nil
}

// WriteAt writes a complete (header, payload) pair at a caller-chosen byte
// offset. Replies may arrive out of order (spec §4.5); the request
// manager is responsible for choosing non-conflicting offsets (e.g. by
// pre-reserving space per pending request) and for advancing the visible
// tail only after the pair lands, via AdvanceTail.
func (r *ReplyBuffer) WriteAt(off uint64, h ReplyHeader, payload []byte) error {
	need := off + replyHeaderWidth + uint64(len(payload))
	if need > uint64(len(r.mMap)) {
		return io.EOF
	}
	h.encode(r.mMap[off : off+replyHeaderWidth])
	copy(r.mMap[off+replyHeaderWidth:need], payload)
	return nil
}

// AdvanceTail moves the published tail forward to newTail. The client
// only observes headers/payloads below the tail.
func (r *ReplyBuffer) AdvanceTail(newTail uint64) { r.tail = newTail }

// Tail returns the currently published tail offset.
func (r *ReplyBuffer) Tail() uint64 { return r.tail }

// ReadHeaderAt decodes the reply header at off.
func (r *ReplyBuffer) ReadHeaderAt(off uint64) (ReplyHeader, error) {
	if off+replyHeaderWidth > uint64(len(r.mMap)) {
		return ReplyHeader{}, io.EOF
	}
	return decodeReplyHeader(r.mMap[off : off+replyHeaderWidth]), nil
}

// ReadPayloadAt copies len(p) payload bytes starting at the byte offset
// off (typically a header's offset plus the fixed header width) into p.
func (r *ReplyBuffer) ReadPayloadAt(off uint64, p []byte) (int, error) {
	if off+uint64(len(p)) > uint64(len(r.mMap)) {
		return 0, io.EOF
	}
	return copy(p, r.mMap[off:off+uint64(len(p))]), nil
}

// Close syncs and closes the backing file.
func (r *ReplyBuffer) Close() error {
	if err := r.mMap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return r.file.Close()
}
