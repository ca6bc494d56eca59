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

// Package wal implements the append-only write-ahead log: length-prefixed
// CRC records in bounded files, group commit, and crash replay.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/trace"

	"github.com/omendb/omen/y"
)

const walSuffix = ".wal"

// Options tune the log.
type Options struct {
	Dir               string
	SegmentBytes      int64
	GroupCommitWindow time.Duration
	SyncWrites        bool
}

type walFile struct {
	seq      uint64
	path     string
	firstLSN uint64
}

type syncReq struct {
	lsn  uint64
	done chan error
}

// Wal is the write-ahead log. Appends are serialized by the owning store's
// writer discipline; Commit waiters share fsyncs through the group-commit
// goroutine.
type Wal struct {
	opts Options
	elog trace.EventLog

	mu      sync.Mutex
	files   []walFile
	active  *os.File
	actSize int64
	pending []byte // records appended but not yet written to the file
	nextLSN uint64

	syncCh  chan syncReq
	closeCh chan struct{}
	done    sync.WaitGroup
}

// Open scans dir for existing log files and readies the log for appends.
// Replay is a separate pass (see Replay); Open only lists the log files and
// their first LSNs. Start positions the append end after the last intact
// record.
func Open(opts Options) (*Wal, error) {
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = 64 << 20
	}
	if opts.GroupCommitWindow <= 0 {
		opts.GroupCommitWindow = time.Millisecond
	}
	w := &Wal{
		opts:    opts,
		elog:    trace.NewEventLog("omen", "Wal"),
		syncCh:  make(chan syncReq, 256),
		closeCh: make(chan struct{}),
	}
	if err := w.scanFiles(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Wal) scanFiles() error {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		return errors.Wrapf(err, "While reading wal dir %s", w.opts.Dir)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, walSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, walSuffix), 10, 64)
		if err != nil {
			continue
		}
		w.files = append(w.files, walFile{seq: seq, path: filepath.Join(w.opts.Dir, name)})
	}
	sort.Slice(w.files, func(i, j int) bool { return w.files[i].seq < w.files[j].seq })
	for i := range w.files {
		first, err := firstLSNOf(w.files[i].path)
		if err != nil {
			return err
		}
		w.files[i].firstLSN = first
	}
	return nil
}

func firstLSNOf(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "While reading wal file %s", path)
	}
	if len(data) == 0 {
		return 0, nil
	}
	rec, _, err := decodeRecord(data)
	if err != nil {
		// A file whose very first record is torn carries nothing usable.
		return 0, nil
	}
	return rec.LSN, nil
}

func (w *Wal) fpath(seq uint64) string {
	return filepath.Join(w.opts.Dir, fmt.Sprintf("%06d%s", seq, walSuffix))
}

// Start begins accepting appends at nextLSN and launches the group-commit
// goroutine. Called once replay has determined where the log ends.
func (w *Wal) Start(nextLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextLSN = nextLSN

	var seq uint64
	if n := len(w.files); n > 0 {
		seq = w.files[n-1].seq
	} else {
		w.files = append(w.files, walFile{seq: 0, path: w.fpath(0), firstLSN: nextLSN})
	}
	fd, err := y.OpenSyncedFile(w.fpath(seq), false)
	if err != nil {
		return errors.Wrapf(err, "While opening wal file %06d", seq)
	}
	end, err := intactPrefixLen(w.fpath(seq))
	if err != nil {
		return err
	}
	// Drop any torn tail so new records never follow garbage.
	if err := fd.Truncate(end); err != nil {
		return errors.Wrapf(err, "While truncating wal torn tail")
	}
	if _, err := fd.Seek(end, 0); err != nil {
		return y.Wrap(err)
	}
	w.active = fd
	w.actSize = end

	w.done.Add(1)
	go w.runSyncer()
	return nil
}

// intactPrefixLen returns the byte length of the longest prefix of valid
// records in the file.
func intactPrefixLen(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, y.Wrap(err)
	}
	var off int64
	for int(off) < len(data) {
		_, n, err := decodeRecord(data[off:])
		if err != nil {
			break
		}
		off += int64(n)
	}
	return off, nil
}

// Append encodes one record into the pending buffer and returns its LSN.
// Must be called under the store's writer serialization.
func (w *Wal) Append(op Op, txn uint64, payload []byte) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn := w.nextLSN
	w.nextLSN++
	w.pending = encodeRecord(w.pending, lsn, op, txn, payload)
	return lsn
}

// NextLSN returns the LSN the next Append will take.
func (w *Wal) NextLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// Sync flushes pending records through lsn and waits for durability. Many
// concurrent callers share one fsync: the syncer batches every request that
// arrives within the group-commit window, and no caller is released before
// its own record is durable.
func (w *Wal) Sync(lsn uint64) error {
	req := syncReq{lsn: lsn, done: make(chan error, 1)}
	select {
	case w.syncCh <- req:
	case <-w.closeCh:
		return errors.New("wal closed")
	}
	return <-req.done
}

func (w *Wal) runSyncer() {
	defer w.done.Done()
	var batch []syncReq
	for {
		select {
		case req, ok := <-w.syncCh:
			if !ok {
				return
			}
			batch = append(batch, req)
			// Soak up every request arriving inside the window, then fsync
			// once for the whole batch.
			timer := time.NewTimer(w.opts.GroupCommitWindow)
		gather:
			for {
				select {
				case more, ok := <-w.syncCh:
					if !ok {
						break gather
					}
					batch = append(batch, more)
				case <-timer.C:
					break gather
				}
			}
			timer.Stop()
			err := w.flushAndSync()
			for _, r := range batch {
				r.done <- err
			}
			batch = batch[:0]
		case <-w.closeCh:
			// Drain stragglers, then exit.
			for {
				select {
				case req := <-w.syncCh:
					req.done <- errors.New("wal closed")
				default:
					return
				}
			}
		}
	}
}

// flushAndSync writes the pending buffer, rotates full files and fsyncs.
func (w *Wal) flushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		n, err := w.active.Write(w.pending)
		w.actSize += int64(n)
		if err != nil {
			return errors.Wrap(err, "While writing wal")
		}
		w.pending = w.pending[:0]
	}
	if w.opts.SyncWrites {
		if err := w.active.Sync(); err != nil {
			return errors.Wrap(err, "While syncing wal")
		}
	}
	if w.actSize >= w.opts.SegmentBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Wal) rotateLocked() error {
	if err := w.active.Close(); err != nil {
		return y.Wrap(err)
	}
	seq := w.files[len(w.files)-1].seq + 1
	fd, err := y.OpenSyncedFile(w.fpath(seq), false)
	if err != nil {
		return errors.Wrapf(err, "While rotating to wal file %06d", seq)
	}
	w.files = append(w.files, walFile{seq: seq, path: w.fpath(seq), firstLSN: w.nextLSN})
	w.active = fd
	w.actSize = 0
	w.elog.Printf("rotated to wal file %06d", seq)
	return nil
}

// TruncateBefore removes whole files that only contain records with
// lsn < lsnLow. The file containing lsnLow always survives.
func (w *Wal) TruncateBefore(lsnLow uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	keep := 0
	for keep < len(w.files)-1 && w.files[keep+1].firstLSN <= lsnLow {
		keep++
	}
	for _, f := range w.files[:keep] {
		if err := os.Remove(f.path); err != nil {
			return errors.Wrapf(err, "While removing wal file %s", f.path)
		}
		w.elog.Printf("truncated wal file %06d", f.seq)
	}
	w.files = append([]walFile(nil), w.files[keep:]...)
	return nil
}

// Files returns the live log file paths, oldest first.
func (w *Wal) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.files))
	for i, f := range w.files {
		out[i] = f.path
	}
	return out
}

// Close flushes what is pending and releases the log.
func (w *Wal) Close() error {
	err := w.flushAndSync()
	close(w.closeCh)
	w.done.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	if cerr := w.active.Close(); err == nil {
		err = cerr
	}
	w.elog.Finish()
	return err
}
