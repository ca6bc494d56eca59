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

package wal

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openWal(t *testing.T, dir string) *Wal {
	t.Helper()
	w, err := Open(Options{Dir: dir, SyncWrites: true, GroupCommitWindow: time.Millisecond})
	require.NoError(t, err)
	return w
}

func TestWalAppendReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := openWal(t, dir)
	require.NoError(t, w.Start(0))

	for i := int64(0); i < 100; i++ {
		w.Append(OpInsert, 1, EncodeInsertPayload(1, i, []byte("row")))
	}
	commit := w.Append(OpCommit, 1, nil)
	require.NoError(t, w.Sync(commit))
	require.NoError(t, w.Close())

	w2 := openWal(t, dir)
	var recs []Record
	res, err := w2.Replay(func(r Record) error {
		recs = append(recs, r)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 101, len(recs))
	require.Equal(t, uint64(101), res.NextLSN)
	require.Equal(t, 0, res.Dropped)

	// LSNs are dense and ordered; payloads decode.
	for i, r := range recs {
		require.Equal(t, uint64(i), r.LSN)
	}
	p, err := DecodeInsertPayload(recs[42].Payload)
	require.NoError(t, err)
	require.Equal(t, int64(42), p.Key)
	require.Equal(t, []byte("row"), p.RowData)
	require.Equal(t, OpCommit, recs[100].Op)
}

func TestWalReplayIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	w := openWal(t, dir)
	require.NoError(t, w.Start(0))
	for i := int64(0); i < 50; i++ {
		w.Append(OpInsert, 1, EncodeInsertPayload(1, i, nil))
	}
	lsn := w.Append(OpCommit, 1, nil)
	require.NoError(t, w.Sync(lsn))
	require.NoError(t, w.Close())

	collect := func() []uint64 {
		w := openWal(t, dir)
		var lsns []uint64
		_, err := w.Replay(func(r Record) error {
			lsns = append(lsns, r.LSN)
			return nil
		})
		require.NoError(t, err)
		return lsns
	}
	require.Equal(t, collect(), collect())
}

func TestWalTornTail(t *testing.T) {
	dir := t.TempDir()
	w := openWal(t, dir)
	require.NoError(t, w.Start(0))
	for i := int64(0); i < 10; i++ {
		w.Append(OpInsert, uint64(i), EncodeInsertPayload(1, i, []byte("payload")))
		lsn := w.Append(OpCommit, uint64(i), nil)
		require.NoError(t, w.Sync(lsn))
	}
	require.NoError(t, w.Close())

	// Tear the final 7 bytes off the last file.
	files := w.Files()
	last := files[len(files)-1]
	fi, err := os.Stat(last)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(last, fi.Size()-7))

	w2 := openWal(t, dir)
	var recs []Record
	res, err := w2.Replay(func(r Record) error {
		recs = append(recs, r)
		return nil
	})
	require.NoError(t, err)
	// The torn record (the last COMMIT) is dropped; everything before it
	// survives.
	require.Equal(t, 19, len(recs))
	require.Equal(t, uint64(19), res.NextLSN)
	require.Equal(t, 1, res.Dropped)

	// The next writer truncates the torn bytes and appends cleanly.
	require.NoError(t, w2.Start(res.NextLSN))
	lsn := w2.Append(OpCommit, 99, nil)
	require.NoError(t, w2.Sync(lsn))
	require.NoError(t, w2.Close())

	w3 := openWal(t, dir)
	count := 0
	_, err = w3.Replay(func(r Record) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 20, count)
}

func TestWalCorruptMiddleRecordDropsFileTail(t *testing.T) {
	dir := t.TempDir()
	w := openWal(t, dir)
	require.NoError(t, w.Start(0))
	for i := int64(0); i < 20; i++ {
		w.Append(OpInsert, 7, EncodeInsertPayload(1, i, []byte("x")))
	}
	lsn := w.Append(OpCommit, 7, nil)
	require.NoError(t, w.Sync(lsn))
	require.NoError(t, w.Close())

	files := w.Files()
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(files[0], data, 0666))

	w2 := openWal(t, dir)
	var count int
	res, err := w2.Replay(func(r Record) error { count++; return nil })
	require.NoError(t, err)
	require.Less(t, count, 21)
	require.Equal(t, 1, res.Dropped)
}

func TestWalRotationAndTruncate(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir, SegmentBytes: 256, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, w.Start(0))

	var lastLSN uint64
	for i := int64(0); i < 100; i++ {
		w.Append(OpInsert, uint64(i), EncodeInsertPayload(1, i, make([]byte, 64)))
		lastLSN = w.Append(OpCommit, uint64(i), nil)
		require.NoError(t, w.Sync(lastLSN))
	}
	require.Greater(t, len(w.Files()), 1)

	// Truncating at the tail keeps only the files still needed: the one
	// holding lastLSN and, at most, a freshly rotated empty tail.
	require.NoError(t, w.TruncateBefore(lastLSN))
	require.LessOrEqual(t, len(w.Files()), 2)
	require.NoError(t, w.Close())

	w2 := openWal(t, dir)
	var lsns []uint64
	_, err = w2.Replay(func(r Record) error {
		lsns = append(lsns, r.LSN)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, lsns)
	// Only the suffix of the log survives truncation.
	require.Greater(t, lsns[0], uint64(0))
	require.Equal(t, lastLSN, lsns[len(lsns)-1])
}

func TestWalGroupCommitSharesFsync(t *testing.T) {
	dir := t.TempDir()
	w := openWal(t, dir)
	require.NoError(t, w.Start(0))

	// Concurrent committers must all become durable; the syncer batches
	// them behind a shared fsync.
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mu.Lock()
			w.Append(OpInsert, uint64(i), EncodeInsertPayload(1, int64(i), nil))
			lsn := w.Append(OpCommit, uint64(i), nil)
			mu.Unlock()
			require.NoError(t, w.Sync(lsn))
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	w2 := openWal(t, dir)
	count := 0
	_, err := w2.Replay(func(r Record) error { count++; return nil })
	require.NoError(t, err)
	require.Equal(t, 16, count)
}

func TestRecordPayloadCodecs(t *testing.T) {
	p, err := DecodeInsertPayload(EncodeInsertPayload(3, -42, []byte("hello")))
	require.NoError(t, err)
	require.Equal(t, uint8(3), p.TableID)
	require.Equal(t, int64(-42), p.Key)
	require.Equal(t, []byte("hello"), p.RowData)

	low, err := DecodeCheckpointBeginPayload(EncodeCheckpointBeginPayload(777))
	require.NoError(t, err)
	require.Equal(t, uint64(777), low)

	end, err := DecodeCheckpointEndPayload(EncodeCheckpointEndPayload(5, 999, 2))
	require.NoError(t, err)
	require.Equal(t, uint64(5), end.SegID)
	require.Equal(t, uint64(999), end.LSNHigh)
	require.Equal(t, uint8(2), end.TableID)

	_, err = DecodeInsertPayload([]byte{1, 2, 3})
	require.Error(t, err)
}
