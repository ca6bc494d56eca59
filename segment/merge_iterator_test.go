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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// sliceCursor is a test cursor over in-memory pairs.
type sliceCursor struct {
	keys []int64
	rows []Row
	pos  int
}

func (c *sliceCursor) Valid() bool       { return c.pos < len(c.keys) }
func (c *sliceCursor) Key() int64        { return c.keys[c.pos] }
func (c *sliceCursor) Next() error       { c.pos++; return nil }
func (c *sliceCursor) Close() error      { return nil }
func (c *sliceCursor) Row() (Row, error) { return c.rows[c.pos], nil }

func cursorOf(keys []int64, tag string) *sliceCursor {
	rows := make([]Row, len(keys))
	for i := range keys {
		rows[i] = Row{TextValue(tag)}
	}
	return &sliceCursor{keys: keys, rows: rows}
}

func drain(t *testing.T, m *MergeIterator) ([]int64, []string) {
	t.Helper()
	var keys []int64
	var tags []string
	for m.Valid() {
		keys = append(keys, m.Key())
		row, err := m.Row()
		require.NoError(t, err)
		tags = append(tags, row[0].Text)
		require.NoError(t, m.Next())
	}
	return keys, tags
}

func TestMergeIteratorOrders(t *testing.T) {
	m := NewMergeIterator([]Cursor{
		cursorOf([]int64{1, 4, 7}, "a"),
		cursorOf([]int64{2, 5, 8}, "b"),
		cursorOf([]int64{3, 6, 9}, "c"),
	}, false)
	keys, _ := drain(t, m)
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9}, keys)
}

func TestMergeIteratorNewestWins(t *testing.T) {
	// First source is newest: on equal keys its row wins and the older
	// occurrences are consumed silently.
	m := NewMergeIterator([]Cursor{
		cursorOf([]int64{2, 4}, "new"),
		cursorOf([]int64{1, 2, 3, 4, 5}, "old"),
	}, false)
	keys, tags := drain(t, m)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, keys)
	require.Equal(t, []string{"old", "new", "old", "new", "old"}, tags)
}

func TestMergeIteratorReverse(t *testing.T) {
	m := NewMergeIterator([]Cursor{
		&sliceCursor{keys: []int64{7, 4, 1}, rows: make([]Row, 3)},
		&sliceCursor{keys: []int64{8, 5, 2}, rows: make([]Row, 3)},
	}, true)
	var keys []int64
	for m.Valid() {
		keys = append(keys, m.Key())
		require.NoError(t, m.Next())
	}
	require.Equal(t, []int64{8, 7, 5, 4, 2, 1}, keys)
}

func TestMergeIteratorEmptySources(t *testing.T) {
	m := NewMergeIterator([]Cursor{
		cursorOf(nil, "a"),
		cursorOf([]int64{1}, "b"),
		cursorOf(nil, "c"),
	}, false)
	keys, tags := drain(t, m)
	require.Equal(t, []int64{1}, keys)
	require.Equal(t, []string{"b"}, tags)

	empty := NewMergeIterator(nil, false)
	require.False(t, empty.Valid())
}
