// Command unifyfsctl is a small harness that exercises a single delegator
// end-to-end — connect, write, fsync, read — and reports a distinct exit
// code per failing stage (spec.md §6).
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/llnl/unifyfs/internal/config"
	"github.com/llnl/unifyfs/internal/delegator"
	"github.com/llnl/unifyfs/internal/shm"
)

const (
	exitOK = iota
	exitConnectFailed
	exitWriteFailed
	exitFsyncFailed
	exitReadDispatchFailed
	exitReadMismatch
)

func main() {
	os.Exit(run())
}

func run() int {
	log := zap.NewNop().Sugar()
	cfg := config.Default()
	cfg.NumShards = 2
	cfg.MetaRangeSize = 1024

	d := delegator.New(1, cfg, delegator.StaticPeers{}, log)

	dir, err := os.MkdirTemp("", "unifyfsctl-*")
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect: tempdir:", err)
		return exitConnectFailed
	}
	defer os.RemoveAll(dir)

	const appID, clientID, fid = 1, 1, int32(7)

	sb, err := shm.OpenDataLog(filepath.Join(dir, "data"), 4096)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect: superblock:", err)
		return exitConnectFailed
	}
	wi, err := shm.OpenWriteIndex(filepath.Join(dir, "write.idx"), 16)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect: write index:", err)
		return exitConnectFailed
	}
	fai, err := shm.OpenFileAttrIndex(filepath.Join(dir, "fattr.idx"), 16)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect: file-attr index:", err)
		return exitConnectFailed
	}
	reqBuf, err := shm.OpenRequestBuffer(filepath.Join(dir, "req.buf"), 16)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect: request buffer:", err)
		return exitConnectFailed
	}
	replyBuf, err := shm.OpenReplyBuffer(filepath.Join(dir, "reply.buf"), 4096)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect: reply buffer:", err)
		return exitConnectFailed
	}
	d.Connect(appID, clientID, sb, wi, fai, reqBuf, replyBuf, nil)
	defer d.Disconnect(appID, clientID)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := sb.WriteAt(payload, 0); err != nil {
		fmt.Fprintln(os.Stderr, "write: data log:", err)
		return exitWriteFailed
	}
	if err := wi.Append(0, shm.RawIndexEntry{Fid: fid, FilePos: 0, MemPos: 0, Length: uint64(len(payload))}); err != nil {
		fmt.Fprintln(os.Stderr, "write: write index:", err)
		return exitWriteFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.Fsync(ctx, appID, clientID); err != nil {
		fmt.Fprintln(os.Stderr, "fsync:", err)
		return exitFsyncFailed
	}

	if err := d.SubmitRead(ctx, appID, clientID, []shm.ReadMeta{{SrcFid: fid, Offset: 0, Length: uint64(len(payload))}}); err != nil {
		fmt.Fprintln(os.Stderr, "read: dispatch:", err)
		return exitReadDispatchFailed
	}

	h, err := replyBuf.ReadHeaderAt(0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read: header:", err)
		return exitReadMismatch
	}
	if h.Errcode != 0 || h.Length != uint64(len(payload)) {
		fmt.Fprintf(os.Stderr, "read: unexpected reply header %+v\n", h)
		return exitReadMismatch
	}

	// Payload immediately follows the fixed-width header (spec.md §6).
	const replyHeaderWidth = 24
	got := make([]byte, h.Length)
	if _, err := replyBuf.ReadPayloadAt(replyHeaderWidth, got); err != nil {
		fmt.Fprintln(os.Stderr, "read: payload:", err)
		return exitReadMismatch
	}
	if !bytes.Equal(got, payload) {
		fmt.Fprintln(os.Stderr, "read: payload mismatch")
		return exitReadMismatch
	}

	fmt.Println("connect -> write -> fsync -> read: ok")
	return exitOK
}
