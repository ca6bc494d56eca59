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

package segment

import "sort"

// Cursor is the ordered stream interface shared by segment iterators, the
// mutable segment's adapter and the merge iterator.
type Cursor interface {
	Valid() bool
	Key() int64
	Row() (Row, error)
	Next() error
	Close() error
}

// Iter walks one segment's rows in key order within [lo, hi).
type Iter struct {
	s       *Segment
	keys    []int64
	pos     int
	lo, hi  int64
	hiIncl  bool
	reverse bool
	err     error
}

// NewIterator opens a cursor over [lo, hi). The lower bound is located
// through the footer's learned index window rather than a full-column
// search.
func (s *Segment) NewIterator(lo, hi int64, reverse bool) (*Iter, error) {
	it := &Iter{s: s, lo: lo, hi: hi, reverse: reverse}
	if s.rowCount == 0 || lo >= hi {
		it.pos = -1
		return it, nil
	}
	keys, err := s.keyColumn()
	if err != nil {
		return nil, err
	}
	it.keys = keys
	if reverse {
		it.pos = it.searchUpper(hi) // last key < hi
	} else {
		it.pos = it.searchLower(lo) // first key >= lo
	}
	it.clip()
	return it, nil
}

// searchLower finds the first slot with key >= bound, seeding the binary
// search with the learned window.
func (it *Iter) searchLower(bound int64) int {
	lo, hi := it.s.idx.Window(bound)
	if hi >= len(it.keys) {
		hi = len(it.keys) - 1
	}
	if lo < 0 {
		lo = 0
	}
	// The window bounds `bound` itself only if it was a segment key; widen
	// to the full column when the answer can fall outside.
	if lo > 0 && it.keys[lo] >= bound {
		lo = 0
	}
	if hi < len(it.keys)-1 && it.keys[hi] < bound {
		hi = len(it.keys) - 1
	}
	win := it.keys[lo : hi+1]
	return lo + sort.Search(len(win), func(i int) bool { return win[i] >= bound })
}

func (it *Iter) searchUpper(bound int64) int {
	return it.searchLower(bound) - 1
}

func (it *Iter) clip() {
	if it.pos < 0 || it.pos >= len(it.keys) {
		it.pos = -1
		return
	}
	k := it.keys[it.pos]
	if k < it.lo || k > it.hi || (k == it.hi && !it.hiIncl) {
		it.pos = -1
	}
}

// NewFullIterator walks every row of the segment in key order. Used by
// compaction, which must not lose the extreme keys of the domain to an
// exclusive bound.
func (s *Segment) NewFullIterator() (*Iter, error) {
	it := &Iter{s: s, lo: s.minKey, hi: s.maxKey, hiIncl: true}
	if s.rowCount == 0 {
		it.pos = -1
		return it, nil
	}
	keys, err := s.keyColumn()
	if err != nil {
		return nil, err
	}
	it.keys = keys
	return it, nil
}

// Valid reports whether the cursor rests on a row.
func (it *Iter) Valid() bool { return it.err == nil && it.pos >= 0 }

// Key returns the current key. Requires Valid.
func (it *Iter) Key() int64 { return it.keys[it.pos] }

// Row materializes the current row. Requires Valid.
func (it *Iter) Row() (Row, error) {
	return it.s.readRow(it.pos)
}

// Next advances in iteration order.
func (it *Iter) Next() error {
	if !it.Valid() {
		return it.err
	}
	if it.reverse {
		it.pos--
	} else {
		it.pos++
	}
	it.clip()
	return nil
}

// Close releases nothing; the parent segment owns the file handle.
func (it *Iter) Close() error { return nil }
