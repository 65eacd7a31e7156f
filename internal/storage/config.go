package storage

import (
	"github.com/sajjad-MoBe/kvs/internal/shared"
	"github.com/sajjad-MoBe/kvs/internal/wal"
)

const (
	// DefaultCompactionThreshold is the amount of reclaimable log data that
	// triggers a compaction.
	DefaultCompactionThreshold = 1024 * 1024 // 1MB

	DefaultMaxKeySize   = 64 * 1024
	DefaultMaxValueSize = 16 * 1024 * 1024
)

// Config holds configuration supplied when a store is opened
type Config struct {
	// CompactionThreshold is compared against uncompacted bytes after every
	// write; exceeding it runs a compaction before the write returns.
	CompactionThreshold int64
	SyncMode            wal.SyncMode
	StrictReplay        bool
	MaxKeySize          int
	MaxValueSize        int
	Logger              *shared.Logger
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() Config {
	return Config{
		CompactionThreshold: DefaultCompactionThreshold,
		SyncMode:            wal.SyncNone,
		MaxKeySize:          DefaultMaxKeySize,
		MaxValueSize:        DefaultMaxValueSize,
		Logger:              shared.DefaultLogger,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = def.CompactionThreshold
	}
	if c.MaxKeySize <= 0 {
		c.MaxKeySize = def.MaxKeySize
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = def.MaxValueSize
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return c
}

func (c Config) walConfig() wal.WALConfig {
	return wal.WALConfig{
		SyncMode:     c.SyncMode,
		StrictReplay: c.StrictReplay,
		Limits: wal.Limits{
			MaxKeySize:   c.MaxKeySize,
			MaxValueSize: c.MaxValueSize,
		},
	}
}
