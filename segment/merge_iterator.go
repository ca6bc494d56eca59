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

// MergeIterator merge-iterates several cursors into one globally ordered
// stream. Sources must be given newest-first: when two sources carry the
// same key, the earlier source wins and the later occurrences are skipped.
// NOTE: MergeIterator owns the cursors and is responsible for closing them.
type MergeIterator struct {
	srcs    []Cursor
	cur     int
	reverse bool
	err     error
}

// NewMergeIterator builds the k-way merge. The segment count is small
// (compaction keeps it bounded), so each step scans the source list instead
// of maintaining a tournament tree.
func NewMergeIterator(srcs []Cursor, reverse bool) *MergeIterator {
	m := &MergeIterator{srcs: srcs, reverse: reverse}
	m.pick()
	return m
}

// pick selects the winning source for the current position.
func (m *MergeIterator) pick() {
	m.cur = -1
	for i, s := range m.srcs {
		if !s.Valid() {
			continue
		}
		if m.cur < 0 {
			m.cur = i
			continue
		}
		k, best := s.Key(), m.srcs[m.cur].Key()
		if (!m.reverse && k < best) || (m.reverse && k > best) {
			m.cur = i
		}
		// Equal keys keep the earlier (newer) source: m.cur stays.
	}
}

// Valid reports whether the merged stream rests on a row.
func (m *MergeIterator) Valid() bool { return m.err == nil && m.cur >= 0 }

// Key returns the current key. Requires Valid.
func (m *MergeIterator) Key() int64 { return m.srcs[m.cur].Key() }

// Row returns the current row from the winning source. Requires Valid.
func (m *MergeIterator) Row() (Row, error) { return m.srcs[m.cur].Row() }

// Next advances past the current key in every source, so shadowed duplicates
// in older segments are consumed together with the winner.
func (m *MergeIterator) Next() error {
	if !m.Valid() {
		return m.err
	}
	key := m.Key()
	for _, s := range m.srcs {
		for s.Valid() && s.Key() == key {
			if err := s.Next(); err != nil {
				m.err = err
				return err
			}
		}
	}
	m.pick()
	return nil
}

// Close closes every source, keeping the first error.
func (m *MergeIterator) Close() error {
	var first error
	for _, s := range m.srcs {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
