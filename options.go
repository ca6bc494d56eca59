/*
 * Copyright 2023 OmenDB, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package omen

import (
	"time"

	"github.com/omendb/omen/index"
	"github.com/omendb/omen/segment"
	"github.com/omendb/omen/y"
)

// Option provides a way to modify the values in Options.
type Option func(Options) Options

// TableSpec registers one table and its schema at open time. Table ids are
// assigned by declaration order and must stay stable across opens.
type TableSpec struct {
	Name string
	Cols []segment.Column
}

// Options are params for opening a store.
//
// DefaultOptions contains values that should work for most applications;
// consider it a starting point.
type Options struct {
	// Directory to store the data in. If it doesn't exist, omen will
	// try to create it for you.
	Dir string

	// Tables registered with this store, in a stable order.
	Tables []TableSpec

	// Sync all writes to disk. Setting this to false would achieve better
	// performance, but may cause data to be lost on a crash.
	SyncWrites bool

	// Open the store as read-only.
	ReadOnly bool

	// Store-specific logger which will override the global logger.
	Logger y.Logger

	// Leaf tuning.
	LeafInitialCapacity int
	LeafDensityMin      float64
	LeafDensityMax      float64
	LeafDensityInit     float64
	LeafShiftWindow     int
	LeafEpsilonMax      int

	// Inner-node tuning.
	InnerEpsilonMax   int
	InnerFanoutTarget int
	InnerFanoutMax    int

	// WAL tuning.
	GroupCommitWindow time.Duration
	WalSegmentBytes   int64

	// Immutable segment tuning.
	CompactionTriggerCount int
	CompactionSizeRatio    int
	Compression            y.CompressionType
	ChecksumAlgo           y.ChecksumAlgo

	// Memory budget for the mutable segments; exceeding it triggers a
	// checkpoint. Zero disables the automatic trigger.
	MemoryBudgetBytes int64

	// Capacity of the decompressed column-chunk cache shared by all open
	// segments.
	CacheChunkBytes int64

	// Compaction write throughput cap in bytes/sec. Zero means unthrottled.
	CompactionBytesPerSec int64
}

// DefaultOptions returns the recommended options for dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                    dir,
		SyncWrites:             true,
		LeafInitialCapacity:    64,
		LeafDensityMin:         0.25,
		LeafDensityMax:         0.80,
		LeafDensityInit:        0.50,
		LeafShiftWindow:        8,
		LeafEpsilonMax:         64,
		InnerEpsilonMax:        16,
		InnerFanoutTarget:      32,
		InnerFanoutMax:         64,
		GroupCommitWindow:      time.Millisecond,
		WalSegmentBytes:        64 << 20,
		CompactionTriggerCount: 8,
		CompactionSizeRatio:    4,
		Compression:            y.Snappy,
		ChecksumAlgo:           y.ChecksumCRC32C,
		CacheChunkBytes:        64 << 20,
	}
}

func (opt Options) indexConfig() index.Config {
	return index.Config{
		LeafCapacity: opt.LeafInitialCapacity,
		DensityMin:   opt.LeafDensityMin,
		DensityMax:   opt.LeafDensityMax,
		DensityInit:  opt.LeafDensityInit,
		ShiftWindow:  opt.LeafShiftWindow,
		LeafEpsilon:  opt.LeafEpsilonMax,
		InnerEpsilon: opt.InnerEpsilonMax,
		FanoutTarget: opt.InnerFanoutTarget,
		FanoutMax:    opt.InnerFanoutMax,
	}
}

// WithTables registers the table schemas.
func WithTables(tables ...TableSpec) Option {
	return func(opt Options) Options { opt.Tables = tables; return opt }
}

// WithSyncWrites sets whether every commit fsyncs. Disabling trades
// durability of the most recent commits for throughput.
func WithSyncWrites(val bool) Option {
	return func(opt Options) Options { opt.SyncWrites = val; return opt }
}

// WithReadOnly opens the store read-only.
func WithReadOnly(val bool) Option {
	return func(opt Options) Options { opt.ReadOnly = val; return opt }
}

// WithLogger sets the store-specific logger which overrides the global one.
func WithLogger(val y.Logger) Option {
	return func(opt Options) Options { opt.Logger = val; return opt }
}

// WithLeafInitialCapacity sets the slot count of newly created leaves.
func WithLeafInitialCapacity(val int) Option {
	return func(opt Options) Options { opt.LeafInitialCapacity = val; return opt }
}

// WithLeafDensityBounds sets the min/max occupancy kept by leaves.
func WithLeafDensityBounds(min, max float64) Option {
	return func(opt Options) Options {
		opt.LeafDensityMin, opt.LeafDensityMax = min, max
		return opt
	}
}

// WithLeafDensityInit sets the packing density used by bulk loads.
func WithLeafDensityInit(val float64) Option {
	return func(opt Options) Options { opt.LeafDensityInit = val; return opt }
}

// WithLeafShiftWindow sets how many neighbours one insert may displace
// before the leaf reports overflow.
func WithLeafShiftWindow(val int) Option {
	return func(opt Options) Options { opt.LeafShiftWindow = val; return opt }
}

// WithLeafEpsilonMax sets the leaf model error ceiling.
func WithLeafEpsilonMax(val int) Option {
	return func(opt Options) Options { opt.LeafEpsilonMax = val; return opt }
}

// WithInnerEpsilonMax sets the routing model error ceiling.
func WithInnerEpsilonMax(val int) Option {
	return func(opt Options) Options { opt.InnerEpsilonMax = val; return opt }
}

// WithInnerFanout sets the target and maximum children per inner node.
func WithInnerFanout(target, max int) Option {
	return func(opt Options) Options {
		opt.InnerFanoutTarget, opt.InnerFanoutMax = target, max
		return opt
	}
}

// WithGroupCommitWindow sets how long a commit fsync waits to absorb
// neighbouring commits.
func WithGroupCommitWindow(val time.Duration) Option {
	return func(opt Options) Options { opt.GroupCommitWindow = val; return opt }
}

// WithWalSegmentBytes sets the size at which WAL files rotate.
func WithWalSegmentBytes(val int64) Option {
	return func(opt Options) Options { opt.WalSegmentBytes = val; return opt }
}

// WithCompactionTriggerCount sets the immutable-segment count that wakes the
// compactor.
func WithCompactionTriggerCount(val int) Option {
	return func(opt Options) Options { opt.CompactionTriggerCount = val; return opt }
}

// WithCompactionSizeRatio sets the tiered size ratio.
func WithCompactionSizeRatio(val int) Option {
	return func(opt Options) Options { opt.CompactionSizeRatio = val; return opt }
}

// WithCompression sets the column chunk compression.
func WithCompression(val y.CompressionType) Option {
	return func(opt Options) Options { opt.Compression = val; return opt }
}

// WithChecksumAlgo sets the column chunk checksum algorithm.
func WithChecksumAlgo(val y.ChecksumAlgo) Option {
	return func(opt Options) Options { opt.ChecksumAlgo = val; return opt }
}

// WithMemoryBudgetBytes sets the staging size that triggers an automatic
// checkpoint.
func WithMemoryBudgetBytes(val int64) Option {
	return func(opt Options) Options { opt.MemoryBudgetBytes = val; return opt }
}

// WithCacheChunkBytes sets the chunk cache capacity.
func WithCacheChunkBytes(val int64) Option {
	return func(opt Options) Options { opt.CacheChunkBytes = val; return opt }
}

// WithCompactionBytesPerSec throttles compaction writes.
func WithCompactionBytesPerSec(val int64) Option {
	return func(opt Options) Options { opt.CompactionBytesPerSec = val; return opt }
}
