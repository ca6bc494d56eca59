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
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omendb/omen/segment"
)

var testTable = TableSpec{
	Name: "kv",
	Cols: []Column{{Name: "val", Type: segment.TypeText}},
}

func openTestDB(t *testing.T, dir string, extra ...Option) *DB {
	t.Helper()
	opts := append([]Option{WithTables(testTable)}, extra...)
	db, err := Open(dir, opts...)
	require.NoError(t, err)
	return db
}

func val(s string) Row { return Row{segment.TextValue(s)} }

func text(row Row) string { return row[0].Text }

func TestSequentialBuildAndLookup(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, WithSyncWrites(false))
	defer func() { require.NoError(t, db.Close()) }()
	ctx := context.Background()

	const n = 100000
	const batch = 1000
	for lo := 0; lo < n; lo += batch {
		keys := make([]int64, batch)
		rows := make([]Row, batch)
		for i := 0; i < batch; i++ {
			keys[i] = int64(lo + i)
			rows[i] = val(fmt.Sprintf("v%d", lo+i))
		}
		_, err := db.InsertBatch(ctx, "kv", keys, rows)
		require.NoError(t, err)
	}

	row, err := db.Lookup(ctx, "kv", 42)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, "v42", text(row))

	row, err = db.Lookup(ctx, "kv", 100000)
	require.NoError(t, err)
	require.Nil(t, row)

	it, err := db.Range(ctx, "kv", 1000, 1005, Forward)
	require.NoError(t, err)
	defer func() { require.NoError(t, it.Close()) }()
	var got []string
	for it.Valid() {
		row, err := it.Row()
		require.NoError(t, err)
		got = append(got, fmt.Sprintf("(%d,%s)", it.Key(), text(row)))
		require.NoError(t, it.Next())
	}
	require.Equal(t, []string{
		"(1000,v1000)", "(1001,v1001)", "(1002,v1002)", "(1003,v1003)", "(1004,v1004)",
	}, got)
}

func TestInsertConflict(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	defer func() { require.NoError(t, db.Close()) }()
	ctx := context.Background()

	_, err := db.Insert(ctx, "kv", 7, val("a"))
	require.NoError(t, err)
	_, err = db.Insert(ctx, "kv", 3, val("b"))
	require.NoError(t, err)

	_, err = db.Insert(ctx, "kv", 7, val("c"))
	require.Equal(t, KindKeyConflict, ErrKind(err))

	row, err := db.Lookup(ctx, "kv", 7)
	require.NoError(t, err)
	require.Equal(t, "a", text(row))

	it, err := db.Range(ctx, "kv", 0, 10, Forward)
	require.NoError(t, err)
	defer func() { require.NoError(t, it.Close()) }()
	var got []string
	for it.Valid() {
		row, err := it.Row()
		require.NoError(t, err)
		got = append(got, fmt.Sprintf("(%d,%s)", it.Key(), text(row)))
		require.NoError(t, it.Next())
	}
	require.Equal(t, []string{"(3,b)", "(7,a)"}, got)
}

func TestConflictAcrossCheckpoint(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	defer func() { require.NoError(t, db.Close()) }()
	ctx := context.Background()

	_, err := db.Insert(ctx, "kv", 1, val("x"))
	require.NoError(t, err)
	segID, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	require.NotZero(t, segID)

	// The key now lives only in an immutable segment; it still conflicts.
	_, err = db.Insert(ctx, "kv", 1, val("y"))
	require.Equal(t, KindKeyConflict, ErrKind(err))
}

func TestCheckpointAndReadBack(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, WithSyncWrites(false))
	defer func() { require.NoError(t, db.Close()) }()
	ctx := context.Background()

	for k := int64(0); k < 5000; k++ {
		_, err := db.Insert(ctx, "kv", k, val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}
	segID, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	require.NotZero(t, segID)

	count, err := db.SegmentCount("kv")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Every row must now come from the segment.
	for k := int64(0); k < 5000; k += 97 {
		row, err := db.Lookup(ctx, "kv", k)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%d", k), text(row))
	}

	// A second empty checkpoint is a no-op.
	segID, err = db.Checkpoint(ctx)
	require.NoError(t, err)
	require.Zero(t, segID)

	// New writes after the checkpoint land in a fresh mutable segment and
	// merge correctly with the flushed data on range scans.
	_, err = db.Insert(ctx, "kv", 10000, val("late"))
	require.NoError(t, err)
	it, err := db.Range(ctx, "kv", 4998, 10001, Forward)
	require.NoError(t, err)
	defer func() { require.NoError(t, it.Close()) }()
	var keys []int64
	for it.Valid() {
		keys = append(keys, it.Key())
		require.NoError(t, it.Next())
	}
	require.Equal(t, []int64{4998, 4999, 10000}, keys)
}

func TestRangeReverse(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, WithSyncWrites(false))
	defer func() { require.NoError(t, db.Close()) }()
	ctx := context.Background()

	for k := int64(0); k < 100; k++ {
		_, err := db.Insert(ctx, "kv", k, val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}
	// Split the data between a segment and the mutable tail.
	_, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	for k := int64(100); k < 200; k++ {
		_, err := db.Insert(ctx, "kv", k, val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}

	it, err := db.Range(ctx, "kv", 95, 105, Reverse)
	require.NoError(t, err)
	defer func() { require.NoError(t, it.Close()) }()
	var keys []int64
	for it.Valid() {
		keys = append(keys, it.Key())
		require.NoError(t, it.Next())
	}
	require.Equal(t, []int64{104, 103, 102, 101, 100, 99, 98, 97, 96, 95}, keys)
}

func TestRangeInvalidAndEmpty(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	defer func() { require.NoError(t, db.Close()) }()
	ctx := context.Background()

	_, err := db.Range(ctx, "kv", 10, 5, Forward)
	require.Error(t, err)

	it, err := db.Range(ctx, "kv", 5, 5, Forward)
	require.NoError(t, err)
	require.False(t, it.Valid())
	require.NoError(t, it.Close())
}

func TestSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	defer func() { require.NoError(t, db.Close()) }()
	ctx := context.Background()

	_, err := db.Insert(ctx, "kv", 1, Row{segment.IntValue(1)})
	require.Equal(t, KindSchemaMismatch, ErrKind(err))
	_, err = db.Insert(ctx, "kv", 1, Row{})
	require.Equal(t, KindSchemaMismatch, ErrKind(err))

	_, err = db.Insert(ctx, "nope", 1, val("x"))
	require.Error(t, err)
}

func TestClosedHandle(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()
	_, err := db.Insert(ctx, "kv", 1, val("x"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.Insert(ctx, "kv", 2, val("y"))
	require.Equal(t, KindClosed, ErrKind(err))
	_, err = db.Lookup(ctx, "kv", 1)
	require.Equal(t, KindClosed, ErrKind(err))
	_, err = db.Range(ctx, "kv", 0, 10, Forward)
	require.Equal(t, KindClosed, ErrKind(err))
	require.Equal(t, ErrClosed, db.Close())
}

func TestRandomWorkloadMatchesModel(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, WithSyncWrites(false))
	defer func() { require.NoError(t, db.Close()) }()
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(77))

	model := map[int64]string{}
	for i := 0; i < 20000; i++ {
		k := rnd.Int63n(1 << 30)
		v := fmt.Sprintf("v%d", i)
		_, err := db.Insert(ctx, "kv", k, val(v))
		if _, dup := model[k]; dup {
			require.Equal(t, KindKeyConflict, ErrKind(err))
			continue
		}
		require.NoError(t, err)
		model[k] = v
		if i%5000 == 4999 {
			_, err := db.Checkpoint(ctx)
			require.NoError(t, err)
		}
	}

	for k, v := range model {
		row, err := db.Lookup(ctx, "kv", k)
		require.NoError(t, err)
		require.NotNil(t, row, "key %d", k)
		require.Equal(t, v, text(row))
	}

	// A full scan yields exactly the model's keys, ascending, once each.
	it, err := db.Range(ctx, "kv", 0, 1<<30, Forward)
	require.NoError(t, err)
	defer func() { require.NoError(t, it.Close()) }()
	var prev int64 = -1
	count := 0
	for it.Valid() {
		require.Greater(t, it.Key(), prev)
		_, ok := model[it.Key()]
		require.True(t, ok)
		prev = it.Key()
		count++
		require.NoError(t, it.Next())
	}
	require.Equal(t, len(model), count)
}

func TestHotspotThenUniformEndToEnd(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, WithSyncWrites(false))
	defer func() { require.NoError(t, db.Close()) }()
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(13))

	inserted := map[int64]bool{}
	insert := func(k int64) {
		if inserted[k] {
			return
		}
		_, err := db.Insert(ctx, "kv", k, val("x"))
		require.NoError(t, err)
		inserted[k] = true
	}
	// Tight hotspot in [1000, 1100), then a uniform spray.
	for len(inserted) < 100 {
		insert(1000 + rnd.Int63n(100))
	}
	for i := 0; i < 10000; i++ {
		insert(rnd.Int63n(1_000_000_000))
	}
	for k := range inserted {
		row, err := db.Lookup(ctx, "kv", k)
		require.NoError(t, err)
		require.NotNil(t, row, "key %d", k)
	}
	stats, err := db.IndexStats("kv")
	require.NoError(t, err)
	require.LessOrEqual(t, stats.Depth, 4)
	require.LessOrEqual(t, stats.MeanDensity, DefaultOptions(dir).LeafDensityMax)
}
