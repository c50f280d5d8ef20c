// Package svcmgr implements the service manager (C6): the peer role that
// receives inbound RPC read batches, reads from the local data log
// (superblock or spillover file), and returns ordered payload chunks
// (spec §4.6).
package svcmgr

import (
	"context"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/llnl/unifyfs/internal/rpcproto"
	"github.com/llnl/unifyfs/internal/shm"
)

// ClientSource resolves a (app_id, client_id) pair to its mapped
// superblock data log plus its spillover file descriptor, opened at
// connect time and closed at disconnect (spec §5: "Resource sharing").
type ClientSource interface {
	DataLog(appID, clientID uint32) (*shm.DataLog, bool)
	Spillover(appID, clientID uint32) (*os.File, bool)
}

// Command mirrors spec §4.6's command channel: XFER_COMM_DATA signals
// more work, XFER_COMM_EXIT requests termination.
type Command int

const (
	CommandData Command = iota
	CommandExit
)

// Manager services inbound read batches dispatched by a peer's request
// manager (C5), via the delegator's HTTP router (see delegator package).
type Manager struct {
	Clients ClientSource
	Log     *zap.SugaredLogger

	mu   sync.Mutex
	cmds chan Command
}

// New constructs a service manager backed by clients.
func New(clients ClientSource, log *zap.SugaredLogger) *Manager {
	return &Manager{Clients: clients, Log: log, cmds: make(chan Command, 1)}
}

// Signal sends a command to the manager's command channel (spec §4.6).
// The command is dropped if one is already pending. Nothing in Service
// reads the channel, so neither command changes how batches are serviced.
func (m *Manager) Signal(c Command) {
	select {
	case m.cmds <- c:
	default:
	}
}

// Service handles one inbound ReadRequestBatch, servicing each item FIFO
// within arrival-time equivalence classes (spec §4.6) and returning one
// reply per serviced element (spec §4.5).
func (m *Manager) Service(_ context.Context, batch rpcproto.ReadRequestBatch) rpcproto.ReadReplyBatch {
	items := make([]rpcproto.ReadRequestItem, len(batch.Items))
	copy(items, batch.Items)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ArrivalTime.Before(items[j].ArrivalTime)
	})

	replies := make([]rpcproto.ReadReply, len(items))
	for i, item := range items {
		replies[i] = m.serviceOne(item)
	}
	return rpcproto.ReadReplyBatch{Replies: replies}
}

func (m *Manager) serviceOne(item rpcproto.ReadRequestItem) rpcproto.ReadReply {
	header := rpcproto.ReadReplyHeader{
		SrcOffset: item.SrcOffset,
		SrcFid:    item.SrcFid,
	}

	payload := make([]byte, item.Length)
	if dl, ok := m.Clients.DataLog(item.DestAppID, item.DestClientID); ok {
		n, err := dl.ReadAt(payload, item.DestLogOffset)
		if err == nil {
			header.Length = uint64(n)
			return rpcproto.ReadReply{Header: header, Payload: payload[:n]}
		}
	}

	// Offset lies past the superblock: fall back to the spillover file
	// (spec §4.6).
	if f, ok := m.Clients.Spillover(item.DestAppID, item.DestClientID); ok {
		n, err := f.ReadAt(payload, int64(item.DestLogOffset))
		if err == nil || n > 0 {
			header.Length = uint64(n)
			return rpcproto.ReadReply{Header: header, Payload: payload[:n]}
		}
		m.Log.Errorw("spillover read failed", "err", err, "app_id", item.DestAppID, "client_id", item.DestClientID)
		header.Errcode = 1
		header.Length = 0
		return rpcproto.ReadReply{Header: header}
	}

	header.Errcode = 1
	header.Length = 0
	return rpcproto.ReadReply{Header: header}
}
