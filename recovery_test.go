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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omendb/omen/segment"
	"github.com/omendb/omen/wal"
	"github.com/omendb/omen/y"
)

func TestRecoveryAfterCommitBeforeCheckpoint(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()

	for k := int64(0); k < 1000; k++ {
		_, err := db.Insert(ctx, "kv", k, val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}
	// Simulated kill: no checkpoint ran, only the WAL holds the data.
	require.NoError(t, db.Close())

	db2 := openTestDB(t, dir)
	defer func() { require.NoError(t, db2.Close()) }()

	row, err := db2.Lookup(ctx, "kv", 500)
	require.NoError(t, err)
	require.Equal(t, "v500", text(row))

	it, err := db2.Range(ctx, "kv", 0, 1000, Forward)
	require.NoError(t, err)
	defer func() { require.NoError(t, it.Close()) }()
	var count int64
	for it.Valid() {
		require.Equal(t, count, it.Key())
		count++
		require.NoError(t, it.Next())
	}
	require.Equal(t, int64(1000), count)
}

func TestRecoveryAfterCheckpoint(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()

	for k := int64(0); k < 2000; k++ {
		_, err := db.Insert(ctx, "kv", k, val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}
	_, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	// More commits after the checkpoint; these live only in the WAL.
	for k := int64(2000); k < 2500; k++ {
		_, err := db.Insert(ctx, "kv", k, val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	db2 := openTestDB(t, dir)
	defer func() { require.NoError(t, db2.Close()) }()
	for _, k := range []int64{0, 1999, 2000, 2499} {
		row, err := db2.Lookup(ctx, "kv", k)
		require.NoError(t, err)
		require.NotNil(t, row, "key %d", k)
		require.Equal(t, fmt.Sprintf("v%d", k), text(row))
	}
	row, err := db2.Lookup(ctx, "kv", 2500)
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestRecoveryDiscardsOrphanSegment(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()
	for k := int64(0); k < 100; k++ {
		_, err := db.Insert(ctx, "kv", k, val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	// A crash mid-checkpoint leaves a fully written segment file with no
	// durable CHECKPOINT_END: build one by hand.
	schema := &segment.Schema{ID: 1, Cols: testTable.Cols}
	b := segment.NewBuilder(schema, segment.BuildOptions{Checksum: y.ChecksumCRC32C})
	for k := int64(0); k < 100; k++ {
		require.NoError(t, b.Add(k, val("stale")))
	}
	orphan := filepath.Join(dir, "000099.seg")
	require.NoError(t, b.Finish(orphan))
	// Plus an interrupted temp file.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000100.seg.tmp"), []byte("junk"), 0666))

	db2 := openTestDB(t, dir)
	defer func() { require.NoError(t, db2.Close()) }()

	// The orphans are gone and the state equals the WAL replay.
	_, err := os.Stat(orphan)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "000100.seg.tmp"))
	require.True(t, os.IsNotExist(err))

	row, err := db2.Lookup(ctx, "kv", 50)
	require.NoError(t, err)
	require.Equal(t, "v50", text(row))
	count, err := db2.SegmentCount("kv")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestRecoveryTornWalTail(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()
	for k := int64(0); k < 50; k++ {
		_, err := db.Insert(ctx, "kv", k, val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	// Tear the final 7 bytes off the last WAL file: the last commit's
	// record no longer validates.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var walFiles []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".wal") {
			walFiles = append(walFiles, filepath.Join(dir, e.Name()))
		}
	}
	require.NotEmpty(t, walFiles)
	last := walFiles[len(walFiles)-1]
	fi, err := os.Stat(last)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(last, fi.Size()-7))

	db2 := openTestDB(t, dir)
	defer func() { require.NoError(t, db2.Close()) }()

	// Keys 0..48 survive; the torn commit for key 49 is dropped entirely.
	for k := int64(0); k < 49; k++ {
		row, err := db2.Lookup(ctx, "kv", k)
		require.NoError(t, err)
		require.NotNil(t, row, "key %d", k)
	}
	row, err := db2.Lookup(ctx, "kv", 49)
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestRecoveryDiscardsUncommittedTail(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()
	_, err := db.Insert(ctx, "kv", 1, val("a"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Append an INSERT with no COMMIT directly to the log, as a crashed
	// writer would leave it.
	w, err := wal.Open(wal.Options{Dir: dir, SyncWrites: true})
	require.NoError(t, err)
	scan, err := w.Replay(func(wal.Record) error { return nil })
	require.NoError(t, err)
	require.NoError(t, w.Start(scan.NextLSN))
	schema := &segment.Schema{ID: 1, Cols: testTable.Cols}
	rowData := schema.EncodeRow(val("ghost"))
	w.Append(wal.OpInsert, 999, wal.EncodeInsertPayload(1, 77, rowData))
	lsn := w.Append(wal.OpInsert, 999, wal.EncodeInsertPayload(1, 78, rowData))
	require.NoError(t, w.Sync(lsn))
	require.NoError(t, w.Close())

	db2 := openTestDB(t, dir)
	defer func() { require.NoError(t, db2.Close()) }()

	// The uncommitted transaction is invisible; the committed row stays.
	row, err := db2.Lookup(ctx, "kv", 77)
	require.NoError(t, err)
	require.Nil(t, row)
	row, err = db2.Lookup(ctx, "kv", 1)
	require.NoError(t, err)
	require.Equal(t, "a", text(row))
}

func TestReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	ctx := context.Background()
	for k := int64(0); k < 300; k++ {
		_, err := db.Insert(ctx, "kv", k, val(fmt.Sprintf("v%d", k)))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	// Replaying the same WAL repeatedly yields the same state each time.
	for i := 0; i < 3; i++ {
		db2 := openTestDB(t, dir)
		for _, k := range []int64{0, 100, 299} {
			row, err := db2.Lookup(ctx, "kv", k)
			require.NoError(t, err)
			require.Equal(t, fmt.Sprintf("v%d", k), text(row))
		}
		row, err := db2.Lookup(ctx, "kv", 300)
		require.NoError(t, err)
		require.Nil(t, row)
		require.NoError(t, db2.Close())
	}
}

func TestRecoveryMultipleTables(t *testing.T) {
	dir := t.TempDir()
	tables := []TableSpec{
		{Name: "a", Cols: []Column{{Name: "v", Type: segment.TypeText}}},
		{Name: "b", Cols: []Column{{Name: "n", Type: segment.TypeInt}}},
	}
	db, err := Open(dir, WithTables(tables...))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = db.Insert(ctx, "a", 1, Row{segment.TextValue("hello")})
	require.NoError(t, err)
	_, err = db.Insert(ctx, "b", 1, Row{segment.IntValue(99)})
	require.NoError(t, err)
	_, err = db.Checkpoint(ctx)
	require.NoError(t, err)
	_, err = db.Insert(ctx, "b", 2, Row{segment.IntValue(100)})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(dir, WithTables(tables...))
	require.NoError(t, err)
	defer func() { require.NoError(t, db2.Close()) }()

	row, err := db2.Lookup(ctx, "a", 1)
	require.NoError(t, err)
	require.Equal(t, "hello", row[0].Text)
	row, err = db2.Lookup(ctx, "b", 2)
	require.NoError(t, err)
	require.Equal(t, int64(100), row[0].Int)
}
