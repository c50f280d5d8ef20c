// Package config loads delegator configuration: the options recognized by
// spec §6 (meta_db_path, meta_db_name, meta_server_ratio, meta_range_size)
// plus the ambient settings every delegator process needs (listen address,
// per-client region sizes, spillover directory). No third-party config
// library is used; see DESIGN.md for why.
package config

import (
	"os"
	"strconv"
)

// Config holds one delegator's startup configuration.
type Config struct {
	// MetaDBPath is the directory backing the extent/attribute KV store.
	MetaDBPath string
	// MetaDBName names the KV store instance.
	MetaDBName string
	// MetaServerRatio is one metadata server per N processes.
	MetaServerRatio int
	// MetaRangeSize is the stripe size, in bytes, used to shard extent
	// keys across metadata servers (spec §4.3).
	MetaRangeSize uint64

	// ListenAddr is the delegator's RPC listen address.
	ListenAddr string
	// NumShards is the number of in-process extent KV shards this
	// delegator's ShardedStore fans range-gets out across.
	NumShards int
	// SpilloverDir holds the per-client spillover files, one opened for
	// each client at connect and read for offsets past the client's
	// superblock data log (spec §4.6, §5).
	SpilloverDir string
	// SuperblockDataBytes sizes the mmap'd data-log region of a new
	// client superblock.
	SuperblockDataBytes uint64
	// MaxMetaPerSend bounds the number of shm_meta requests accepted per
	// request-manager wakeup (spec §4.5, MAX_META_PER_SEND).
	MaxMetaPerSend int
}

// Default returns a configuration with every field set to its default,
// before environment overrides are applied.
func Default() Config {
	return Config{
		MetaDBPath:          "/tmp/unifyfs/meta",
		MetaDBName:          "unifyfs",
		MetaServerRatio:     1,
		MetaRangeSize:       1 << 20, // 1 MiB stripes
		ListenAddr:          ":8080",
		NumShards:           4,
		SpilloverDir:        "/tmp/unifyfs/spill",
		SuperblockDataBytes: 64 << 20, // 64 MiB
		MaxMetaPerSend:      1024,
	}
}

// Load returns the default configuration with any recognized environment
// variable applied on top. Unset variables leave the default untouched.
func Load() Config {
	c := Default()
	if v := os.Getenv("UNIFYFS_META_DB_PATH"); v != "" {
		c.MetaDBPath = v
	}
	if v := os.Getenv("UNIFYFS_META_DB_NAME"); v != "" {
		c.MetaDBName = v
	}
	if v := os.Getenv("UNIFYFS_META_SERVER_RATIO"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MetaServerRatio = n
		}
	}
	if v := os.Getenv("UNIFYFS_META_RANGE_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			c.MetaRangeSize = n
		}
	}
	if v := os.Getenv("UNIFYFS_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("UNIFYFS_NUM_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.NumShards = n
		}
	}
	if v := os.Getenv("UNIFYFS_SPILLOVER_DIR"); v != "" {
		c.SpilloverDir = v
	}
	return c
}
