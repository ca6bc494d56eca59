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
	"golang.org/x/sync/errgroup"

	"github.com/omendb/omen/segment"
)

// pickCompaction selects the run of oldest segments to merge, tiered: the
// run grows while each next (newer) segment is no more than SizeRatio times
// the run's total, so small fresh segments don't drag a huge old one into
// every merge. Returns nil when the table doesn't need compaction.
func (db *DB) pickCompaction(t *table) []*segment.Segment {
	t.mu.RLock()
	segs := append([]*segment.Segment(nil), t.segs...)
	t.mu.RUnlock()

	if len(segs) <= db.opt.CompactionTriggerCount {
		return nil
	}
	run := 2
	total := segs[0].DiskSize() + segs[1].DiskSize()
	for run < len(segs) {
		next := segs[run].DiskSize()
		if next > total*int64(db.opt.CompactionSizeRatio) {
			break
		}
		total += next
		run++
	}
	return segs[:run]
}

// compactOnce runs one compaction round over every table that needs it.
func (db *DB) compactOnce() error {
	for _, spec := range db.opt.Tables {
		t := db.tables[spec.Name]
		inputs := db.pickCompaction(t)
		if inputs == nil {
			continue
		}
		if err := db.compactTable(t, inputs); err != nil {
			return err
		}
		db.metrics.numCompactions.Add(1)
	}
	return nil
}

// compactTable merges inputs (an oldest-first run of the table's list) into
// one fresh segment with a newly trained learned index, then swaps the
// segment list in one short critical section. Writers are never blocked;
// stale readers finish on the old list via their refs.
func (db *DB) compactTable(t *table, inputs []*segment.Segment) error {
	for _, s := range inputs {
		s.IncrRef()
	}
	defer releaseSegments(inputs)

	// Prefetch the key columns in parallel; this validates every input's
	// chunk checksum before any write bandwidth is spent on the merge.
	var g errgroup.Group
	for _, s := range inputs {
		s := s
		g.Go(func() error {
			if s.RowCount() == 0 {
				return nil
			}
			_, err := s.NewFullIterator()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Merge newest-first so equal keys resolve to the newest row.
	cursors := make([]segment.Cursor, 0, len(inputs))
	for i := len(inputs) - 1; i >= 0; i-- {
		it, err := inputs[i].NewFullIterator()
		if err != nil {
			return err
		}
		cursors = append(cursors, it)
	}
	merged := segment.NewMergeIterator(cursors, false)
	defer func() { _ = merged.Close() }()

	segID := atomic.AddUint64(&db.nextSegID, 1)
	b := segment.NewBuilder(t.schema, segment.BuildOptions{
		Compression: db.opt.Compression,
		Checksum:    db.opt.ChecksumAlgo,
		Fanout:      db.opt.InnerFanoutTarget,
	})
	for merged.Valid() {
		row, err := merged.Row()
		if err != nil {
			return err
		}
		if err := b.Add(merged.Key(), row); err != nil {
			return err
		}
		if db.compactRate != nil {
			_ = db.compactRate.WaitN(context.Background(), len(t.schema.EncodeRow(row)))
		}
		if err := merged.Next(); err != nil {
			return err
		}
	}
	if err := b.Finish(db.segPath(segID)); err != nil {
		return err
	}
	out, err := segment.OpenSegment(db.segPath(segID), segID, t.schema, db.cache)
	if err != nil {
		return err
	}

	changes := make([]manifestChange, 0, len(inputs)+1)
	changes = append(changes, segCreateChange(segID, t.id))
	for _, s := range inputs {
		changes = append(changes, segDeleteChange(s.ID))
	}
	if err := db.manifest.addChanges(changes...); err != nil {
		_ = out.Close()
		return err
	}

	// The commit point: swap the list. RowRefs into the merged-away
	// segments die with the swap; the compactor's survivors already carry
	// their fresh locations in the new segment.
	t.mu.Lock()
	rest := append([]*segment.Segment(nil), t.segs[len(inputs):]...)
	t.segs = append([]*segment.Segment{out}, rest...)
	t.mu.Unlock()

	for _, s := range inputs {
		s.MarkForDeletion()
		_ = s.Close() // drop the list's own reference
	}

	db.logger.Infof("compaction: table %s merged %d segments -> %06d (%d rows, %s)",
		t.name, len(inputs), segID, out.RowCount(), humanize.IBytes(uint64(out.DiskSize())))
	return nil
}
