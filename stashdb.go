package stashdb

import (
	"os"
	"path/filepath"

	"github.com/dsglab/stashdb/logging"
	"github.com/dsglab/stashdb/storage"
)

const (
	DefaultPoolSize   = 64
	DefaultBucketSize = 64
)

// Config carries the knobs for Open. Zero values mean defaults.
type Config struct {
	// PoolSize is the number of page frames held in memory.
	PoolSize int
	// BucketSize is the page-table hash bucket capacity.
	BucketSize int
	// DisableWAL opens the store without a log manager; dirty pages are
	// then written back without any durability ordering.
	DisableWAL bool
}

// DB is the top-level container wiring the disk manager, the write-ahead
// log and the buffer pool together.
type DB struct {
	Disk *storage.FileDiskManager
	Log  logging.LogManager
	Pool *storage.BufferPoolManager
}

// Open initializes a page store under dir and returns the assembled system.
func Open(dir string, cfg Config) (*DB, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	disk, err := storage.NewFileDiskManager(filepath.Join(dir, "pages"))
	if err != nil {
		return nil, err
	}

	var log logging.LogManager
	if !cfg.DisableWAL {
		log, err = logging.NewFileLogManager(filepath.Join(dir, "stash.log"))
		if err != nil {
			_ = disk.Close()
			return nil, err
		}
	}

	pool := storage.NewBufferPoolManager(cfg.PoolSize, cfg.BucketSize, disk, log)
	return &DB{Disk: disk, Log: log, Pool: pool}, nil
}

// Close flushes every dirty page, syncs the page store and shuts down the
// log.
func (db *DB) Close() error {
	if err := db.Pool.FlushAllPages(); err != nil {
		return err
	}
	if err := db.Disk.Sync(); err != nil {
		return err
	}
	if db.Log != nil {
		if err := db.Log.Close(); err != nil {
			return err
		}
	}
	return db.Disk.Close()
}
