// Command unifyfsd runs one UnifyFS delegator process: it owns a shard of
// the extent/attribute metadata service and services read RPCs from peer
// delegators and writes from its local clients (spec.md §5, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/llnl/unifyfs/internal/config"
	"github.com/llnl/unifyfs/internal/delegator"
)

func main() {
	var (
		id    = flag.Uint("id", 0, "this delegator's numeric id")
		peers = flag.String("peers", "", "comma-separated id=addr peer list, e.g. 1=http://host:8080")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg := config.Load()
	peerDir, err := parsePeers(*peers)
	if err != nil {
		log.Fatalw("invalid -peers", "err", err)
	}

	d := delegator.New(uint32(*id), cfg, peerDir, log)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: d.Router(),
	}

	go func() {
		log.Infow("delegator listening", "id", *id, "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server exited", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("graceful shutdown failed", "err", err)
	}
}

// parsePeers turns "1=http://a:8080,2=http://b:8080" into a StaticPeers
// directory, per spec.md §5's server roster initialized at startup.
func parsePeers(raw string) (delegator.StaticPeers, error) {
	peers := delegator.StaticPeers{}
	if raw == "" {
		return peers, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q", pair)
		}
		id, err := strconv.ParseUint(kv[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed peer id %q: %w", kv[0], err)
		}
		peers[uint32(id)] = kv[1]
	}
	return peers, nil
}
