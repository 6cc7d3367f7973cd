// Package storageengine is the thin facade that owns the disk manager,
// write-ahead log, buffer pool, and checkpoint manager, and is the only
// entry point an embedder needs to open a storage kernel instance.
package storageengine

import (
	"github.com/sushant-115/storagekernel/core/write_engine/checkpoint"
	"github.com/sushant-115/storagekernel/internal/metrics"
	"github.com/sushant-115/storagekernel/pkg/logger"
)

// Config is the single configuration surface for a storage kernel
// instance: where its files live, how big its buffer pool and WAL segments
// are, and the nested checkpoint, metrics, and logging policies.
type Config struct {
	DataDirectory  string            `yaml:"data_directory"`
	BufferPoolSize int               `yaml:"buffer_pool_size"`
	WalSegmentSize int64             `yaml:"wal_segment_size"`
	Checkpoint     checkpoint.Config `yaml:"checkpoint"`
	Metrics        metrics.Config    `yaml:"metrics"`
	Logging        logger.Config     `yaml:"logging"`
}

// DefaultConfig returns the defaults named in the external-interfaces
// configuration table: ./data, a 10 000-frame pool, 64 MiB WAL segments,
// and the checkpoint/metrics/logging package defaults.
func DefaultConfig() Config {
	return Config{
		DataDirectory:  "./data",
		BufferPoolSize: 10_000,
		WalSegmentSize: 64 << 20,
		Checkpoint:     checkpoint.DefaultConfig(),
		Metrics:        metrics.DefaultConfig(),
		Logging:        logger.Config{Level: "info", Format: "json", OutputFile: "stdout", ServiceName: "storagekernel"},
	}
}
