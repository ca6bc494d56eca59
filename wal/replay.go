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

	"github.com/omendb/omen/y"
)

// ReplayResult summarizes a scan of the log.
type ReplayResult struct {
	NextLSN  uint64 // one past the highest intact record
	Dropped  int    // unreadable records hit, one per file; records after one are not counted
	BadFiles int    // files whose tail was cut short
}

// Replay scans every live log file in order and hands each intact record to
// fn. A record that fails its CRC (or is truncated) makes the rest of that
// file non-existent; scanning proceeds with the next file. fn returning an
// error aborts the replay.
func (w *Wal) Replay(fn func(Record) error) (ReplayResult, error) {
	var res ReplayResult
	w.mu.Lock()
	files := append([]walFile(nil), w.files...)
	w.mu.Unlock()

	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return res, y.Wrapf(err, "While replaying wal file %s", f.path)
		}
		off := 0
		for off < len(data) {
			rec, n, err := decodeRecord(data[off:])
			if err != nil {
				res.Dropped++
				res.BadFiles++
				w.elog.Errorf("wal file %06d: dropping %d bytes after offset %d: %v",
					f.seq, len(data)-off, off, err)
				break
			}
			off += n
			if rec.LSN >= res.NextLSN {
				res.NextLSN = rec.LSN + 1
			}
			if err := fn(rec); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}
