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

	"github.com/omendb/omen/segment"
	"github.com/omendb/omen/y"
)

// Direction orders a range scan.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// mutableCursor iterates a point-in-time copy of the mutable segment's
// qualifying entries. The copy pins the snapshot: concurrent inserts land in
// the live tree without disturbing a running scan.
type mutableCursor struct {
	keys []int64
	rows []Row
	pos  int
}

func (c *mutableCursor) Valid() bool  { return c.pos < len(c.keys) }
func (c *mutableCursor) Key() int64   { return c.keys[c.pos] }
func (c *mutableCursor) Next() error  { c.pos++; return nil }
func (c *mutableCursor) Close() error { return nil }
func (c *mutableCursor) Row() (segment.Row, error) {
	return c.rows[c.pos], nil
}

// Iterator is the lazy, finite, non-restartable result of Range. It must be
// closed; Close releases the segment references pinning its snapshot.
type Iterator struct {
	db     *DB
	merged *segment.MergeIterator
	segs   []*segment.Segment
	closed bool
}

// Range returns an ordered iterator over keys in [lo, hi). The snapshot is
// taken at entry: later commits are not observed.
func (db *DB) Range(ctx context.Context, tableName string, lo, hi int64, dir Direction) (*Iterator, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if hi < lo {
		return nil, y.Wrapf(ErrInvalidRange, "[%d, %d)", lo, hi)
	}
	t, err := db.table(tableName)
	if err != nil {
		return nil, err
	}
	y.Trace(ctx, "range table=%s lo=%d hi=%d", tableName, lo, hi)
	reverse := dir == Reverse

	// Snapshot the mutable segment under the read lock.
	mut := &mutableCursor{}
	t.mu.RLock()
	for it := t.tree.NewIterator(lo, hi, reverse); it.Valid(); it.Next() {
		mut.keys = append(mut.keys, it.Key())
		mut.rows = append(mut.rows, t.staging.Row(it.Ref().Slot))
	}
	t.mu.RUnlock()

	segs := t.acquireSegments()
	cursors := make([]segment.Cursor, 0, len(segs)+1)
	cursors = append(cursors, mut) // newest source first
	for i := len(segs) - 1; i >= 0; i-- {
		sit, err := segs[i].NewIterator(lo, hi, reverse)
		if err != nil {
			releaseSegments(segs)
			return nil, err
		}
		cursors = append(cursors, sit)
	}
	return &Iterator{
		db:     db,
		merged: segment.NewMergeIterator(cursors, reverse),
		segs:   segs,
	}, nil
}

// Valid reports whether the iterator rests on an entry.
func (it *Iterator) Valid() bool { return !it.closed && it.merged.Valid() }

// Key returns the current key. Requires Valid.
func (it *Iterator) Key() int64 { return it.merged.Key() }

// Row returns the current row. Requires Valid.
func (it *Iterator) Row() (Row, error) { return it.merged.Row() }

// Next advances the scan.
func (it *Iterator) Next() error {
	if it.closed {
		return ErrClosed
	}
	return it.merged.Next()
}

// Close releases the snapshot. Safe to call twice.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.merged.Close()
	releaseSegments(it.segs)
	return err
}
