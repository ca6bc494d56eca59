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
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/omendb/omen/index"
	"github.com/omendb/omen/segment"
	"github.com/omendb/omen/wal"
	"github.com/omendb/omen/y"
)

// recover rebuilds the store state from the manifest, the segment files and
// the WAL. The state it produces equals a clean shutdown at the last intact
// committed record:
//
//  1. The live segment set is the manifest's set plus any segment whose
//     CHECKPOINT_END is durable in the log but whose manifest entry was
//     lost to the crash; those entries are re-appended.
//  2. Replay starts after the highest completed checkpoint and applies only
//     transactions whose COMMIT record is intact, in commit order, into a
//     fresh mutable segment per table.
//  3. Orphan files (segments without a CHECKPOINT_END or manifest entry,
//     and leftover temp files) are deleted.
func (db *DB) recover() error {
	mf, man, err := openOrCreateManifestFile(db.opt.Dir)
	if err != nil {
		return err
	}
	db.manifest = mf

	w, err := wal.Open(wal.Options{
		Dir:               db.opt.Dir,
		SegmentBytes:      db.opt.WalSegmentBytes,
		GroupCommitWindow: db.opt.GroupCommitWindow,
		SyncWrites:        db.opt.SyncWrites,
	})
	if err != nil {
		return err
	}
	db.wal = w

	type committedInsert struct {
		lsn     uint64
		tableID uint8
		key     int64
		rowData []byte
	}
	// A crash can leave CHECKPOINT_END durable for some tables and missing
	// for others, so the replay starting point is tracked per table: a
	// table only skips records its own completed checkpoint covers.
	var (
		inserts       []committedInsert
		openTxns      = make(map[uint64][]committedInsert)
		ends          = make(map[uint64]wal.CheckpointEndPayload)
		replayStartBy = make(map[uint8]uint64)
		maxTxn        uint64
	)
	scan, err := w.Replay(func(rec wal.Record) error {
		if rec.TxnID > maxTxn {
			maxTxn = rec.TxnID
		}
		switch rec.Op {
		case wal.OpInsert:
			p, err := wal.DecodeInsertPayload(rec.Payload)
			if err != nil {
				return err
			}
			openTxns[rec.TxnID] = append(openTxns[rec.TxnID], committedInsert{
				lsn: rec.LSN, tableID: p.TableID, key: p.Key,
				rowData: append([]byte(nil), p.RowData...),
			})
		case wal.OpCommit:
			inserts = append(inserts, openTxns[rec.TxnID]...)
			delete(openTxns, rec.TxnID)
		case wal.OpCheckpointBegin:
			// A BEGIN without matching ENDs leaves orphan files; those are
			// swept below by the directory scan.
		case wal.OpCheckpointEnd:
			p, err := wal.DecodeCheckpointEndPayload(rec.Payload)
			if err != nil {
				return err
			}
			ends[p.SegID] = p
			if p.LSNHigh+1 > replayStartBy[p.TableID] {
				replayStartBy[p.TableID] = p.LSNHigh + 1
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if scan.Dropped > 0 {
		db.logger.Warningf("recovery dropped %d corrupt wal record(s) across %d file(s)",
			scan.Dropped, scan.BadFiles)
	}
	// Transactions without an intact COMMIT are discarded; openTxns simply
	// falls out of scope.

	// Adopt checkpoint-completed segments the manifest missed.
	live := make(map[uint64]uint8, len(man.segments))
	for id, tid := range man.segments {
		live[id] = tid
	}
	var adopted []manifestChange
	for id, p := range ends {
		if _, ok := live[id]; ok {
			continue
		}
		if _, gone := man.deleted[id]; gone {
			continue
		}
		if _, err := os.Stat(db.segPath(id)); err != nil {
			continue
		}
		live[id] = p.TableID
		adopted = append(adopted, segCreateChange(id, p.TableID))
	}
	if len(adopted) > 0 {
		if err := db.manifest.addChanges(adopted...); err != nil {
			return err
		}
	}

	if err := db.sweepOrphans(live); err != nil {
		return err
	}

	// Open live segments in parallel and hand them to their tables in id
	// order (oldest first).
	ids := make([]uint64, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var (
		g      errgroup.Group
		openMu sync.Mutex
		opened = make(map[uint64]*segment.Segment, len(ids))
	)
	for _, id := range ids {
		id, tid := id, live[id]
		t, ok := db.tablesByID[tid]
		if !ok {
			return y.Wrapf(ErrCorrupt, "segment %d references unknown table %d", id, tid)
		}
		g.Go(func() error {
			s, err := segment.OpenSegment(db.segPath(id), id, t.schema, db.cache)
			if err != nil {
				return err
			}
			openMu.Lock()
			opened[id] = s
			openMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range opened {
			_ = s.Close()
		}
		return err
	}
	var maxSegID uint64
	for _, id := range ids {
		t := db.tablesByID[live[id]]
		t.segs = append(t.segs, opened[id])
		if id > maxSegID {
			maxSegID = id
		}
	}
	atomic.StoreUint64(&db.nextSegID, maxSegID)
	atomic.StoreUint64(&db.nextTxnID, maxTxn)

	// Fresh mutable generation per table, then deterministic replay of the
	// committed tail in commit order.
	cfg := db.opt.indexConfig()
	for _, t := range db.tables {
		t.tree = index.NewTree(cfg)
		t.staging = segment.NewStaging(t.schema)
		t.mutID = atomic.AddUint64(&db.nextSegID, 1)
	}
	var replayed int
	for _, ins := range inserts {
		start := replayStartBy[ins.tableID]
		if start < man.walLow {
			start = man.walLow
		}
		if ins.lsn < start {
			continue
		}
		t, ok := db.tablesByID[ins.tableID]
		if !ok {
			return y.Wrapf(ErrCorrupt, "wal insert references unknown table %d", ins.tableID)
		}
		row, err := t.schema.DecodeRow(ins.rowData)
		if err != nil {
			return err
		}
		slot := t.staging.Append(row)
		if err := t.tree.Insert(ins.key, y.RowRef{SegID: t.mutID, Slot: slot}); err != nil {
			return y.Wrapf(ErrCorrupt, "wal replay: duplicate key %d in table %d", ins.key, ins.tableID)
		}
		replayed++
	}
	if replayed > 0 {
		db.logger.Infof("recovery replayed %d committed insert(s)", replayed)
	}

	return db.wal.Start(scan.NextLSN)
}

// sweepOrphans removes segment files that no manifest entry or durable
// CHECKPOINT_END vouches for, plus leftover temp files from interrupted
// builds.
func (db *DB) sweepOrphans(live map[uint64]uint8) error {
	entries, err := os.ReadDir(db.opt.Dir)
	if err != nil {
		return y.Wrap(err)
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".tmp"):
			db.logger.Warningf("removing interrupted temp file %s", name)
			if err := os.Remove(filepath.Join(db.opt.Dir, name)); err != nil {
				return y.Wrap(err)
			}
		case strings.HasSuffix(name, ".seg"):
			id, perr := strconv.ParseUint(strings.TrimSuffix(name, ".seg"), 10, 64)
			if perr != nil {
				continue
			}
			if _, ok := live[id]; ok {
				continue
			}
			db.logger.Warningf("removing orphan segment %s (no durable checkpoint record)", name)
			if err := os.Remove(filepath.Join(db.opt.Dir, name)); err != nil {
				return y.Wrap(err)
			}
		}
	}
	return nil
}
