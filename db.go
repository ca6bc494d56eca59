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

// Package omen implements a durable ordered key/row store whose primary-key
// index is an updatable learned model hierarchy instead of a B-tree.
// Writes flow through a write-ahead log into an in-memory mutable segment;
// checkpoints flush the mutable segment into immutable columnar files that
// carry their own learned index in the footer.
package omen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"
	"golang.org/x/time/rate"

	"github.com/omendb/omen/index"
	"github.com/omendb/omen/segment"
	"github.com/omendb/omen/wal"
	"github.com/omendb/omen/y"
)

// Row and Column re-export the segment types that appear in the public API.
type (
	Row    = segment.Row
	Column = segment.Column
)

// table binds one registered schema to its mutable segment (staging rows +
// learned index tree) and its immutable segment list.
type table struct {
	id     uint8
	name   string
	schema *segment.Schema

	// mu guards tree, staging and the segment list pointer. Writers hold
	// it exclusively for bounded in-memory work only; readers take the
	// read side just long enough to snapshot.
	mu      sync.RWMutex
	tree    *index.Tree
	staging *segment.Staging
	mutID   uint64 // segment id of the current mutable generation

	// segs is ordered oldest-first. List swaps publish a fresh slice;
	// readers pin their snapshot with segment refs, so a stale reader
	// finishes on the old version while compaction moves on.
	segs []*segment.Segment
}

// acquireSegments snapshots the live segment list with a reference held on
// every entry. Callers must releaseSegments when done.
func (t *table) acquireSegments() []*segment.Segment {
	t.mu.RLock()
	out := append([]*segment.Segment(nil), t.segs...)
	for _, s := range out {
		s.IncrRef()
	}
	t.mu.RUnlock()
	return out
}

func releaseSegments(segs []*segment.Segment) {
	for _, s := range segs {
		_ = s.DecrRef()
	}
}

// DB is a store handle. It owns its directory, WAL, indexes and caches; no
// process-global state is shared between handles.
type DB struct {
	opt    Options
	logger y.Logger
	elog   trace.EventLog

	wal      *wal.Wal
	manifest *manifestFile
	cache    *ristretto.Cache

	tables     map[string]*table
	tablesByID map[uint8]*table

	// writeSem is the single-writer privilege: one token, acquired for the
	// whole of every write operation so WAL order equals apply order.
	writeSem chan struct{}

	nextSegID uint64 // atomic
	nextTxnID uint64 // atomic

	wounded atomic.Bool
	closed  atomic.Bool

	metrics     *metrics
	compactRate *rate.Limiter

	flushCh   chan struct{}
	compactCh chan struct{}
	closeCh   chan struct{}
	bgDone    sync.WaitGroup
}

// Open opens (creating if needed) the store in opt.Dir and recovers it to
// the state of the last intact commit.
func Open(dir string, opts ...Option) (*DB, error) {
	opt := DefaultOptions(dir)
	for _, o := range opts {
		opt = o(opt)
	}
	if len(opt.Tables) == 0 {
		return nil, errors.New("no tables registered; use WithTables")
	}
	if len(opt.Tables) > 255 {
		return nil, errors.Errorf("%d tables exceed the 255 table limit", len(opt.Tables))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, y.Wrap(err)
	}

	db := &DB{
		opt:        opt,
		logger:     opt.Logger,
		elog:       trace.NewEventLog("omen", dir),
		tables:     make(map[string]*table),
		tablesByID: make(map[uint8]*table),
		writeSem:   make(chan struct{}, 1),
		flushCh:    make(chan struct{}, 1),
		compactCh:  make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
	}
	if db.logger == nil {
		db.logger = y.DefaultLogger()
	}
	db.writeSem <- struct{}{}
	if opt.CompactionBytesPerSec > 0 {
		db.compactRate = rate.NewLimiter(rate.Limit(opt.CompactionBytesPerSec), int(opt.CompactionBytesPerSec))
	}

	if opt.CacheChunkBytes > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e6,
			MaxCost:     opt.CacheChunkBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, y.Wrap(err)
		}
		db.cache = cache
	}

	for i, spec := range opt.Tables {
		t := &table{
			id:     uint8(i + 1),
			name:   spec.Name,
			schema: &segment.Schema{ID: uint32(i + 1), Cols: spec.Cols},
		}
		if _, dup := db.tables[spec.Name]; dup {
			return nil, errors.Errorf("table %q registered twice", spec.Name)
		}
		db.tables[spec.Name] = t
		db.tablesByID[t.id] = t
	}

	if err := db.recover(); err != nil {
		db.releaseOnOpenError()
		return nil, err
	}

	db.metrics = newMetrics(db.elog, dir)
	db.bgDone.Add(1)
	go db.runBackground()
	return db, nil
}

func (db *DB) releaseOnOpenError() {
	if db.wal != nil {
		_ = db.wal.Close()
	}
	if db.manifest != nil {
		_ = db.manifest.close()
	}
	if db.cache != nil {
		db.cache.Close()
	}
	for _, t := range db.tables {
		for _, s := range t.segs {
			_ = s.Close()
		}
	}
}

func (db *DB) segPath(id uint64) string {
	return filepath.Join(db.opt.Dir, fmt.Sprintf("%06d.seg", id))
}

func (db *DB) table(name string) (*table, error) {
	t, ok := db.tables[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTable, "%q", name)
	}
	return t, nil
}

// acquireWriter takes the single-writer privilege, honoring cancellation.
func (db *DB) acquireWriter(ctx context.Context) error {
	select {
	case <-db.writeSem:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ErrTimeout, ctx.Err().Error())
	case <-db.closeCh:
		return ErrClosed
	}
}

func (db *DB) releaseWriter() {
	db.writeSem <- struct{}{}
}

func (db *DB) writable() error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.opt.ReadOnly {
		return ErrReadOnly
	}
	if db.wounded.Load() {
		return ErrWounded
	}
	return nil
}

// Insert commits one row under key and returns the commit LSN. A duplicate
// key fails with ErrKeyConflict before anything reaches the WAL.
func (db *DB) Insert(ctx context.Context, tableName string, key int64, row Row) (uint64, error) {
	return db.InsertBatch(ctx, tableName, []int64{key}, []Row{row})
}

// InsertBatch commits several rows as one transaction: one fsync, all rows
// visible together. Any duplicate, inside the batch or against the store,
// aborts the whole batch before the WAL append.
func (db *DB) InsertBatch(ctx context.Context, tableName string, keys []int64, rows []Row) (uint64, error) {
	if len(keys) != len(rows) {
		return 0, errors.Errorf("%d keys but %d rows", len(keys), len(rows))
	}
	if len(keys) == 0 {
		return 0, errors.New("empty batch")
	}
	if err := db.writable(); err != nil {
		return 0, err
	}
	t, err := db.table(tableName)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if err := t.schema.Validate(row); err != nil {
			return 0, err
		}
	}

	if err := db.acquireWriter(ctx); err != nil {
		return 0, err
	}
	defer db.releaseWriter()
	if err := db.writable(); err != nil {
		return 0, err
	}

	// Deadline check sits before the WAL append: past this point the
	// transaction commits regardless of cancellation.
	select {
	case <-ctx.Done():
		return 0, errors.Wrap(ErrTimeout, ctx.Err().Error())
	default:
	}

	// Conflict checks before any WAL traffic, so a failed insert leaves no
	// record behind.
	seen := make(map[int64]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			return 0, errors.Wrapf(ErrKeyConflict, "key %d repeats within batch", k)
		}
		seen[k] = struct{}{}
		exists, err := db.keyExists(t, k)
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, errors.Wrapf(ErrKeyConflict, "key %d", k)
		}
	}

	txn := atomic.AddUint64(&db.nextTxnID, 1)
	rowData := make([][]byte, len(rows))
	for i, row := range rows {
		rowData[i] = t.schema.EncodeRow(row)
		db.wal.Append(wal.OpInsert, txn, wal.EncodeInsertPayload(t.id, keys[i], rowData[i]))
	}
	commitLSN := db.wal.Append(wal.OpCommit, txn, nil)
	if err := db.wal.Sync(commitLSN); err != nil {
		// An fsync failure at commit leaves durability unknowable; wound
		// the store so no later write can reorder around the hole.
		db.wounded.Store(true)
		db.logger.Errorf("commit fsync failed, store is now read-only: %v", err)
		return 0, y.Wrap(err)
	}

	t.mu.Lock()
	for i, k := range keys {
		slot := t.staging.Append(rows[i])
		err := t.tree.Insert(k, y.RowRef{SegID: t.mutID, Slot: slot})
		y.AssertTruef(err == nil, "insert of pre-checked key %d failed: %v", k, err)
	}
	t.mu.Unlock()

	db.metrics.numPuts.Add(int64(len(keys)))
	db.metrics.numCommits.Add(1)
	db.maybeScheduleFlush()
	return commitLSN, nil
}

// keyExists checks the mutable segment then the immutable list newest-first.
func (db *DB) keyExists(t *table, key int64) (bool, error) {
	t.mu.RLock()
	_, ok := t.tree.Get(key)
	t.mu.RUnlock()
	if ok {
		return true, nil
	}
	segs := t.acquireSegments()
	defer releaseSegments(segs)
	for i := len(segs) - 1; i >= 0; i-- {
		_, found, err := segs[i].Lookup(key)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// Lookup returns the row stored under key, or nil when absent.
func (db *DB) Lookup(ctx context.Context, tableName string, key int64) (Row, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	t, err := db.table(tableName)
	if err != nil {
		return nil, err
	}
	y.Trace(ctx, "lookup table=%s key=%d", tableName, key)
	db.metrics.numGets.Add(1)

	t.mu.RLock()
	ref, ok := t.tree.Get(key)
	var row Row
	if ok && ref.SegID == t.mutID {
		row = t.staging.Row(ref.Slot)
	}
	t.mu.RUnlock()
	if row != nil {
		db.metrics.numMutableGets.Add(1)
		return row, nil
	}

	segs := t.acquireSegments()
	defer releaseSegments(segs)
	for i := len(segs) - 1; i >= 0; i-- {
		row, found, err := segs[i].Lookup(key)
		if err != nil {
			return nil, err
		}
		if found {
			return row, nil
		}
	}
	return nil, nil
}

// IndexStats reports the shape of a table's mutable learned index.
func (db *DB) IndexStats(tableName string) (index.Stats, error) {
	t, err := db.table(tableName)
	if err != nil {
		return index.Stats{}, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Stats(), nil
}

// SegmentCount returns the number of live immutable segments of a table.
func (db *DB) SegmentCount(tableName string) (int, error) {
	t, err := db.table(tableName)
	if err != nil {
		return 0, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.segs), nil
}

func (db *DB) maybeScheduleFlush() {
	if db.opt.MemoryBudgetBytes <= 0 {
		return
	}
	var staged int64
	for _, t := range db.tables {
		t.mu.RLock()
		staged += t.staging.Bytes()
		t.mu.RUnlock()
	}
	if staged < db.opt.MemoryBudgetBytes {
		return
	}
	select {
	case db.flushCh <- struct{}{}:
	default:
	}
}

func (db *DB) runBackground() {
	defer db.bgDone.Done()
	for {
		select {
		case <-db.flushCh:
			if _, err := db.Checkpoint(context.Background()); err != nil {
				db.logger.Errorf("background checkpoint: %v", err)
			}
		case <-db.compactCh:
			if err := db.compactOnce(); err != nil {
				db.logger.Errorf("compaction: %v", err)
			}
		case <-db.closeCh:
			return
		}
	}
}

// Close releases the handle: background work stops, the WAL is flushed, and
// every file handle is closed deterministically.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(db.closeCh)
	db.bgDone.Wait()

	// Take the writer token so no write is mid-flight. Closed is already
	// set, so no new writer can enter.
	<-db.writeSem

	var firstErr error
	if err := db.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.manifest.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, t := range db.tables {
		for _, s := range t.segs {
			if err := s.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if db.cache != nil {
		db.cache.Close()
	}
	db.metrics.stop()
	db.elog.Finish()
	return firstErr
}
