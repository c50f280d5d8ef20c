// Package rpcproto defines the delegator-to-delegator and
// client-to-delegator wire schema (spec §6), transported as JSON over
// HTTP via gorilla/mux — the same style as the teacher's produce/consume
// handlers, generalized from a single record to batched extent requests.
package rpcproto

import "time"

// ReadRequestBatch is the service manager's (C6) input: a destination's
// contiguous sub-array of bindings dispatched by the request manager (C5),
// per spec §4.5's "Dispatch".
type ReadRequestBatch struct {
	Items []ReadRequestItem `json:"items"`
}

// ReadRequestItem carries one binding's destination fields plus its reply
// address, mirroring spec §4.5's del_req_set[] record verbatim.
type ReadRequestItem struct {
	DestAppID     uint32 `json:"dest_app_id"`
	DestClientID  uint32 `json:"dest_client_id"`
	DestLogOffset uint64 `json:"dest_log_offset"`
	Length        uint64 `json:"length"`

	// Reply address (spec §4.5: "the last seven fields form a reply
	// address").
	SrcOffset   uint64    `json:"src_offset"`
	SrcFid      int32     `json:"src_fid"`
	SrcAppID    uint32    `json:"src_app_id"`
	SrcClientID uint32    `json:"src_client_id"`
	SrcDelegator uint32   `json:"src_delegator"`
	SrcThread   uint32    `json:"src_thread"`
	SrcDbgRank  uint32    `json:"src_dbg_rank"`
	ArrivalTime time.Time `json:"arrival_time"`
}

// ReadReplyHeader precedes each serviced item's payload bytes (spec
// §4.5, §4.6). Errcode non-zero with Length zero reports a per-byte read
// error.
type ReadReplyHeader struct {
	SrcOffset uint64 `json:"src_offset"`
	Length    uint64 `json:"length"`
	SrcFid    int32  `json:"src_fid"`
	Errcode   int32  `json:"errcode"`
}

// ReadReply is one serviced element: header plus its payload bytes,
// carried inline in the JSON body (base64-encoded by encoding/json's
// []byte handling).
type ReadReply struct {
	Header  ReadReplyHeader `json:"header"`
	Payload []byte          `json:"payload"`
}

// ReadReplyBatch is C6's response to a ReadRequestBatch: one ReadReply
// per requested item, ordered by the items' ArrivalTime, with items of
// equal ArrivalTime kept in submission order (spec §5; reply arrival
// order across destinations is not guaranteed).
type ReadReplyBatch struct {
	Replies []ReadReply `json:"replies"`
}

// FsyncRequest asks a delegator to drain a client's C2 region through C1
// and emit the result through C3/C4 (spec §4.7).
type FsyncRequest struct {
	AppID    uint32 `json:"app_id"`
	ClientID uint32 `json:"client_id"`
}

// FsyncAck reports whether every batch emitted by the flush succeeded
// (spec §4.7 step 5, §7).
type FsyncAck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ConnectRequest registers a new (app_id, client_id) pair and opens its
// spillover file descriptor (spec §5: "Resource sharing"). The client's
// write index, file-attribute index, and data log are sub-regions of one
// combined superblock mapping (spec §5/§6), so only SuperblockPath is
// needed alongside the request/reply buffer paths.
type ConnectRequest struct {
	AppID    uint32 `json:"app_id"`
	ClientID uint32 `json:"client_id"`

	SuperblockPath    string `json:"superblock_path"`
	RequestBufferPath string `json:"request_buffer_path"`
	ReplyBufferPath   string `json:"reply_buffer_path"`
}

// ConnectAck returns the delegator id servicing the new client.
type ConnectAck struct {
	DelegatorID string `json:"delegator_id"`
}

// DisconnectRequest tears down a client's registration, closing its
// spillover file descriptor (spec §5).
type DisconnectRequest struct {
	AppID    uint32 `json:"app_id"`
	ClientID uint32 `json:"client_id"`
}
