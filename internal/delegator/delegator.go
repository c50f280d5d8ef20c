// Package delegator wires the core components into a running process:
// the per-node server that owns local storage and mediates client I/O
// (spec glossary). It carries the global per-delegator state spec §9
// calls out — app-config registry, KV stores, logger — as explicit fields
// on Delegator rather than package-level singletons, initialized once at
// startup and mutated only under a coarse lock on connect/disconnect
// (spec §5).
package delegator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/llnl/unifyfs/internal/attrkv"
	"github.com/llnl/unifyfs/internal/config"
	"github.com/llnl/unifyfs/internal/extentkv"
	"github.com/llnl/unifyfs/internal/flush"
	"github.com/llnl/unifyfs/internal/reqmgr"
	"github.com/llnl/unifyfs/internal/rpcproto"
	"github.com/llnl/unifyfs/internal/shm"
	"github.com/llnl/unifyfs/internal/svcmgr"
)

// clientKey identifies a connected client by (app_id, client_id).
type clientKey struct{ appID, clientID uint32 }

// clientState bundles one connected client's shared-memory regions,
// spillover descriptor, and per-client flush/request-manager state.
type clientState struct {
	superblock    *shm.DataLog
	writeIndex    *shm.WriteIndex
	fileAttrIndex *shm.FileAttrIndex
	requestBuf    *shm.RequestBuffer
	replyBuf      *shm.ReplyBuffer
	spillover     *os.File

	// sbFile is set only when the three superblock sub-regions above were
	// opened as one combined mapping via ConnectSuperblock; Disconnect
	// closes it instead of closing the sub-regions individually.
	sbFile *shm.Superblock

	flushClient *flush.Client
	manager     *reqmgr.Manager

	cancel context.CancelFunc
}

// AppConfig exclusively owns its connected clients and, through them, their
// request managers, per spec §9's cyclic-reference guidance; a request
// manager carries only its app_id, not a pointer back to its AppConfig.
type AppConfig struct {
	AppID uint32

	mu      sync.Mutex
	clients map[uint32]*clientState // keyed by client_id
}

// PeerDirectory resolves a delegator id to the base URL of its RPC
// listener. A real deployment would populate this from the server roster
// spec §5 describes; tests and the single-process CLI harness populate it
// directly.
type PeerDirectory interface {
	Addr(delegatorID uint32) (string, bool)
}

// StaticPeers is the simplest PeerDirectory: a fixed map, set up once at
// startup (spec §5: "server roster — initialized at startup").
type StaticPeers map[uint32]string

func (p StaticPeers) Addr(id uint32) (string, bool) { a, ok := p[id]; return a, ok }

// Delegator is one node's server process.
type Delegator struct {
	ID     uint32
	UUID   string
	Config config.Config
	Log    *zap.SugaredLogger

	Extents extentkv.Store
	Attrs   attrkv.Store
	Flush   *flush.Coordinator
	Svc     *svcmgr.Manager

	Peers      PeerDirectory
	httpClient *http.Client

	mu   sync.Mutex // coarse lock guarding apps (spec §5: "only mutated on client connect/disconnect")
	apps map[uint32]*AppConfig
}

// New constructs a delegator from cfg, wiring C3/C4/C6/C7 over a fresh
// in-process ShardedStore and MemStore.
func New(id uint32, cfg config.Config, peers PeerDirectory, log *zap.SugaredLogger) *Delegator {
	extents := extentkv.NewShardedStore(cfg.NumShards, cfg.MetaRangeSize)
	attrs := attrkv.NewMemStore()
	d := &Delegator{
		ID:         id,
		UUID:       uuid.NewString(),
		Config:     cfg,
		Log:        log,
		Extents:    extents,
		Attrs:      attrs,
		Flush:      flush.New(extents, attrs, log),
		Peers:      peers,
		httpClient: &http.Client{},
		apps:       make(map[uint32]*AppConfig),
	}
	d.Svc = svcmgr.New(d, log)
	return d
}

// Router builds the gorilla/mux router exposing the delegator's RPC
// surface (spec §6), generalizing the teacher's produce/consume HTTP
// server into the extent-service's endpoints.
func (d *Delegator) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/connect", d.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/disconnect", d.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/fsync", d.handleFsync).Methods(http.MethodPost)
	r.HandleFunc("/internal/read_request_batch", d.handleReadRequestBatch).Methods(http.MethodPost)
	return r
}

func (d *Delegator) appConfig(appID uint32) *AppConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.apps[appID]
	if !ok {
		a = &AppConfig{AppID: appID, clients: make(map[uint32]*clientState)}
		d.apps[appID] = a
	}
	return a
}

func (d *Delegator) client(appID, clientID uint32) (*clientState, bool) {
	d.mu.Lock()
	a, ok := d.apps[appID]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[clientID]
	return c, ok
}

// Connect registers a client's shared-memory regions and spillover file,
// and starts its request-manager goroutine (spec §5: "one request manager
// thread per connected (app_id, client_id) pair"). This is the in-process
// equivalent of handleConnect, used directly by tests and the CLI harness,
// for callers that open the write index, file-attribute index, and data
// log as independent regions rather than one combined Superblock.
func (d *Delegator) Connect(appID, clientID uint32, sb *shm.DataLog, wi *shm.WriteIndex, fai *shm.FileAttrIndex, reqBuf *shm.RequestBuffer, replyBuf *shm.ReplyBuffer, spillover *os.File) {
	d.connect(appID, clientID, sb, wi, fai, reqBuf, replyBuf, spillover, nil)
}

// ConnectSuperblock registers a client whose write index, file-attribute
// index, and data log live at fixed offsets within one combined
// Superblock mapping (spec §5/§6), alongside its request and reply
// buffers — the three shared-memory segments per client the spec
// describes.
func (d *Delegator) ConnectSuperblock(appID, clientID uint32, sb *shm.Superblock, reqBuf *shm.RequestBuffer, replyBuf *shm.ReplyBuffer, spillover *os.File) {
	d.connect(appID, clientID, sb.DataLog(), sb.WriteIndex(), sb.FileAttrIndex(), reqBuf, replyBuf, spillover, sb)
}

func (d *Delegator) connect(appID, clientID uint32, dataLog *shm.DataLog, wi *shm.WriteIndex, fai *shm.FileAttrIndex, reqBuf *shm.RequestBuffer, replyBuf *shm.ReplyBuffer, spillover *os.File, sbFile *shm.Superblock) {
	app := d.appConfig(appID)

	ctx, cancel := context.WithCancel(context.Background())
	mgr := reqmgr.New(appID, clientID, d.ID, d.Extents, d, replyBuf, d.Log)
	go mgr.Run(ctx)

	cs := &clientState{
		superblock:    dataLog,
		writeIndex:    wi,
		fileAttrIndex: fai,
		requestBuf:    reqBuf,
		replyBuf:      replyBuf,
		spillover:     spillover,
		sbFile:        sbFile,
		flushClient:   flush.NewClient(appID, clientID, d.ID, wi, fai),
		manager:       mgr,
		cancel:        cancel,
	}

	app.mu.Lock()
	app.clients[clientID] = cs
	app.mu.Unlock()
}

// Disconnect stops the client's request manager and closes its superblock
// and spillover descriptors (spec §5).
func (d *Delegator) Disconnect(appID, clientID uint32) {
	app := d.appConfig(appID)
	app.mu.Lock()
	cs, ok := app.clients[clientID]
	if ok {
		delete(app.clients, clientID)
	}
	app.mu.Unlock()
	if !ok {
		return
	}
	cs.cancel()
	if cs.sbFile != nil {
		cs.sbFile.Close()
	} else {
		cs.superblock.Close()
		cs.writeIndex.Close()
		cs.fileAttrIndex.Close()
	}
	if cs.spillover != nil {
		cs.spillover.Close()
	}
}

// Fsync runs the flush coordinator for a connected client (spec §4.7).
func (d *Delegator) Fsync(ctx context.Context, appID, clientID uint32) error {
	cs, ok := d.client(appID, clientID)
	if !ok {
		return fmt.Errorf("unknown client app_id=%d client_id=%d", appID, clientID)
	}
	return d.Flush.Fsync(ctx, cs.flushClient)
}

// SubmitRead resolves and dispatches read requests for a connected client
// by calling its request manager's HandleBatch directly, in the caller's
// goroutine; replies are in the client's reply buffer when it returns
// (spec §4.5).
func (d *Delegator) SubmitRead(ctx context.Context, appID, clientID uint32, reqs []shm.ReadMeta) error {
	cs, ok := d.client(appID, clientID)
	if !ok {
		return fmt.Errorf("unknown client app_id=%d client_id=%d", appID, clientID)
	}
	return cs.manager.HandleBatch(ctx, reqs)
}

// DataLog implements svcmgr.ClientSource.
func (d *Delegator) DataLog(appID, clientID uint32) (*shm.DataLog, bool) {
	cs, ok := d.client(appID, clientID)
	if !ok {
		return nil, false
	}
	return cs.superblock, true
}

// Spillover implements svcmgr.ClientSource.
func (d *Delegator) Spillover(appID, clientID uint32) (*os.File, bool) {
	cs, ok := d.client(appID, clientID)
	if !ok || cs.spillover == nil {
		return nil, false
	}
	return cs.spillover, true
}

// Dispatch implements reqmgr.PeerCaller: it services the batch locally
// if delegatorID is this delegator, otherwise forwards it over HTTP to
// the owning peer (spec §4.5 "Dispatch", §6 "read_request_batch").
func (d *Delegator) Dispatch(ctx context.Context, delegatorID uint32, batch rpcproto.ReadRequestBatch) (rpcproto.ReadReplyBatch, error) {
	if delegatorID == d.ID {
		return d.Svc.Service(ctx, batch), nil
	}

	addr, ok := d.Peers.Addr(delegatorID)
	if !ok {
		return rpcproto.ReadReplyBatch{}, fmt.Errorf("no route to delegator %d", delegatorID)
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return rpcproto.ReadReplyBatch{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/internal/read_request_batch", bytes.NewReader(body))
	if err != nil {
		return rpcproto.ReadReplyBatch{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return rpcproto.ReadReplyBatch{}, err
	}
	defer resp.Body.Close()

	var reply rpcproto.ReadReplyBatch
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return rpcproto.ReadReplyBatch{}, err
	}
	return reply, nil
}

func (d *Delegator) handleReadRequestBatch(w http.ResponseWriter, r *http.Request) {
	var batch rpcproto.ReadRequestBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply := d.Svc.Service(r.Context(), batch)
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		d.Log.Errorw("failed to encode read reply batch", "err", err)
	}
}

func (d *Delegator) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req rpcproto.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	layout := shm.NewSuperblockLayout(uint64(d.Config.MaxMetaPerSend), uint64(d.Config.MaxMetaPerSend), d.Config.SuperblockDataBytes)
	sb, err := shm.OpenSuperblock(req.SuperblockPath, layout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	reqBuf, err := shm.OpenRequestBuffer(req.RequestBufferPath, uint64(d.Config.MaxMetaPerSend))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	replyBuf, err := shm.OpenReplyBuffer(req.ReplyBufferPath, d.Config.SuperblockDataBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	spillPath := fmt.Sprintf("%s/%d-%d.spill", d.Config.SpilloverDir, req.AppID, req.ClientID)
	os.MkdirAll(d.Config.SpilloverDir, 0755)
	spill, err := os.OpenFile(spillPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	d.ConnectSuperblock(req.AppID, req.ClientID, sb, reqBuf, replyBuf, spill)

	_ = json.NewEncoder(w).Encode(rpcproto.ConnectAck{DelegatorID: d.UUID})
}

func (d *Delegator) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req rpcproto.DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.Disconnect(req.AppID, req.ClientID)
	w.WriteHeader(http.StatusOK)
}

func (d *Delegator) handleFsync(w http.ResponseWriter, r *http.Request) {
	var req rpcproto.FsyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := d.Fsync(r.Context(), req.AppID, req.ClientID); err != nil {
		_ = json.NewEncoder(w).Encode(rpcproto.FsyncAck{Status: "error", Message: err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(rpcproto.FsyncAck{Status: "ok"})
}
