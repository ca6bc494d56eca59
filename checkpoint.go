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
	"context"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/omendb/omen/index"
	"github.com/omendb/omen/segment"
	"github.com/omendb/omen/wal"
	"github.com/omendb/omen/y"
)

// Checkpoint freezes every dirty mutable segment into a new immutable
// columnar file and truncates the WAL prefix the files now supersede. The
// protocol makes the flush atomic under crashes:
//
//	CHECKPOINT_BEGIN(lsn_low) -> write+fsync+rename segment files ->
//	CHECKPOINT_END per segment -> fsync log -> manifest -> WAL truncation
//
// Until the END records are durable, recovery treats the files as orphans
// and replays the WAL instead. Returns the id of the last segment written,
// or 0 when nothing was dirty.
func (db *DB) Checkpoint(ctx context.Context) (uint64, error) {
	if err := db.writable(); err != nil {
		return 0, err
	}
	if err := db.acquireWriter(ctx); err != nil {
		return 0, err
	}
	defer db.releaseWriter()
	if err := db.writable(); err != nil {
		return 0, err
	}

	var dirty []*table
	for _, spec := range db.opt.Tables {
		t := db.tables[spec.Name]
		if t.staging.Rows() > 0 {
			dirty = append(dirty, t)
		}
	}
	if len(dirty) == 0 {
		return 0, nil
	}

	// Everything below lsnLow is covered by the files this checkpoint
	// writes; the BEGIN record itself takes that LSN.
	lsnLow := db.wal.NextLSN()
	lsnHigh := lsnLow - 1
	db.wal.Append(wal.OpCheckpointBegin, 0, wal.EncodeCheckpointBeginPayload(lsnLow))

	type flushed struct {
		t     *table
		seg   uint64
		rows  int
		bytes int64
	}
	var outs []flushed
	var lastEndLSN, lastSeg uint64

	for _, t := range dirty {
		segID := atomic.AddUint64(&db.nextSegID, 1)
		b := segment.NewBuilder(t.schema, segment.BuildOptions{
			Compression: db.opt.Compression,
			Checksum:    db.opt.ChecksumAlgo,
			Fanout:      db.opt.InnerFanoutTarget,
		})
		// The writer privilege is held: the tree and staging are frozen
		// from the writer's side, and concurrent readers only read.
		for it := t.tree.NewFullIterator(); it.Valid(); it.Next() {
			if err := b.Add(it.Key(), t.staging.Row(it.Ref().Slot)); err != nil {
				return 0, y.Wrap(err)
			}
		}
		if err := b.Finish(db.segPath(segID)); err != nil {
			return 0, err
		}
		lastEndLSN = db.wal.Append(wal.OpCheckpointEnd, 0,
			wal.EncodeCheckpointEndPayload(segID, lsnHigh, t.id))
		lastSeg = segID
		outs = append(outs, flushed{t: t, seg: segID, rows: t.staging.Rows(), bytes: t.staging.Bytes()})
	}

	if err := db.wal.Sync(lastEndLSN); err != nil {
		db.wounded.Store(true)
		db.logger.Errorf("checkpoint fsync failed, store is now read-only: %v", err)
		return 0, y.Wrap(err)
	}

	changes := make([]manifestChange, 0, len(outs)+1)
	for _, o := range outs {
		changes = append(changes, segCreateChange(o.seg, o.t.id))
	}
	changes = append(changes, walMarkChange(lsnLow))
	if err := db.manifest.addChanges(changes...); err != nil {
		return 0, err
	}

	// Publish: open each new file, swap it into the table's list and reset
	// the mutable generation.
	for _, o := range outs {
		seg, err := segment.OpenSegment(db.segPath(o.seg), o.seg, o.t.schema, db.cache)
		if err != nil {
			return 0, err
		}
		t := o.t
		t.mu.Lock()
		t.segs = append(append([]*segment.Segment(nil), t.segs...), seg)
		t.tree = index.NewTree(db.opt.indexConfig())
		t.staging = segment.NewStaging(t.schema)
		t.mutID = atomic.AddUint64(&db.nextSegID, 1)
		t.mu.Unlock()
		db.logger.Infof("checkpoint: table %s -> segment %06d (%d rows, %s)",
			t.name, o.seg, o.rows, humanize.IBytes(uint64(o.bytes)))
	}

	if err := db.wal.TruncateBefore(lsnLow); err != nil {
		return 0, err
	}
	db.metrics.numCheckpoints.Add(1)
	db.maybeScheduleCompaction()
	return lastSeg, nil
}

func (db *DB) maybeScheduleCompaction() {
	need := false
	for _, t := range db.tables {
		t.mu.RLock()
		if len(t.segs) > db.opt.CompactionTriggerCount {
			need = true
		}
		t.mu.RUnlock()
	}
	if !need {
		return
	}
	select {
	case db.compactCh <- struct{}{}:
	default:
	}
}
