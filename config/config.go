// Package config holds the process-scope knobs recognized by the engine
// (spec §6). Config is never consulted on the read path — it is captured
// into a revision.Revision at commit time (spec §9) and is otherwise plain,
// caller-populated data.
package config

import "github.com/c2h5oh/datasize"

// DefaultCubeSize is the desired per-cube element count used when a write
// does not specify cubeSize explicitly.
const DefaultCubeSize = 5_000_000

// Config is process-scope configuration. It is deliberately not a global
// singleton: callers construct one and pass it explicitly to the engine.
type Config struct {
	// DefaultCubeSize is applied when a write omits cubeSize.
	DefaultCubeSize int64

	// CubeWeightsBufferCapacity is carried as configuration only: the
	// Indexer does not read it and holds a whole batch in memory.
	CubeWeightsBufferCapacity int

	// NumberOfRetries bounds the Transaction Committer's conflict-retry loop.
	NumberOfRetries int

	// MinCompactionFileSizeInBytes / MaxCompactionFileSizeInBytes are carried
	// as configuration only: the Analyzer does not read them and selects
	// candidates by element count and announcement time alone.
	MinCompactionFileSizeInBytes datasize.ByteSize
	MaxCompactionFileSizeInBytes datasize.ByteSize
}

// Default returns the configuration the engine uses absent caller overrides.
func Default() Config {
	return Config{
		DefaultCubeSize:              DefaultCubeSize,
		CubeWeightsBufferCapacity:    100_000,
		NumberOfRetries:              5,
		MinCompactionFileSizeInBytes: 1 * datasize.MB,
		MaxCompactionFileSizeInBytes: 512 * datasize.MB,
	}
}

// WriteOptions are the options recognized on a single write call (spec §6).
type WriteOptions struct {
	// ColumnsToIndex is required on a table's first write; subsequent writes
	// reuse the committed Revision's columns.
	ColumnsToIndex []string

	// CubeSize overrides Config.DefaultCubeSize for this write when > 0.
	CubeSize int64

	// StagingSizeInBytes holds the staging-area threshold (spec §4.4).
	// Engine.Write does not read it: every call indexes its rows as one
	// batch, and no staging area exists.
	StagingSizeInBytes datasize.ByteSize
}

// CubeSizeOrDefault resolves the effective desired cube capacity for a write.
func (o WriteOptions) CubeSizeOrDefault(cfg Config) int64 {
	if o.CubeSize > 0 {
		return o.CubeSize
	}
	if cfg.DefaultCubeSize > 0 {
		return cfg.DefaultCubeSize
	}
	return DefaultCubeSize
}

// StagingEnabled reports whether StagingSizeInBytes is set (> 0).
func (o WriteOptions) StagingEnabled() bool {
	return o.StagingSizeInBytes > 0
}
