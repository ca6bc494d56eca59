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
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/omendb/omen/y"
)

// The MANIFEST file describes the startup state of the store: the set of
// live immutable segments (with their owning tables) and the WAL low-water
// mark below which files have been truncated. It is an append-only log of
// changesets; a changeset is applied fully or, when the tail is torn, not
// at all.
type manifest struct {
	segments map[uint64]uint8 // segment id -> table id
	// deleted remembers every id a changeset ever removed, so recovery
	// never resurrects a compacted-away segment from a stale
	// CHECKPOINT_END record.
	deleted map[uint64]struct{}
	walLow  uint64
}

func createManifest() manifest {
	return manifest{
		segments: make(map[uint64]uint8),
		deleted:  make(map[uint64]struct{}),
	}
}

const (
	manifestSegCreate = 0
	manifestSegDelete = 1
	manifestWalMark   = 2
)

type manifestChange struct {
	tag     byte
	segID   uint64
	tableID uint8
	lsnLow  uint64
}

type manifestChangeSet struct {
	changes []manifestChange
}

// manifestFile holds the append handle of the MANIFEST file.
type manifestFile struct {
	fp         *os.File
	appendLock sync.Mutex
}

func segCreateChange(segID uint64, tableID uint8) manifestChange {
	return manifestChange{tag: manifestSegCreate, segID: segID, tableID: tableID}
}

func segDeleteChange(segID uint64) manifestChange {
	return manifestChange{tag: manifestSegDelete, segID: segID}
}

func walMarkChange(lsnLow uint64) manifestChange {
	return manifestChange{tag: manifestWalMark, lsnLow: lsnLow}
}

func openOrCreateManifestFile(dir string) (*manifestFile, manifest, error) {
	path := filepath.Join(dir, "MANIFEST")
	fp, err := y.OpenSyncedFile(path, false) // We explicitly sync in addChanges.
	if err != nil {
		return nil, manifest{}, err
	}
	m, err := replayManifestFile(fp)
	if err != nil {
		_ = fp.Close()
		return nil, manifest{}, err
	}
	return &manifestFile{fp: fp}, m, nil
}

func (mf *manifestFile) close() error {
	return mf.fp.Close()
}

// addChanges writes a batch of changes atomically: replay applies either all
// of them or none.
func (mf *manifestFile) addChanges(changes ...manifestChange) error {
	var buf bytes.Buffer
	cs := manifestChangeSet{changes: changes}
	cs.Encode(&buf)
	mf.appendLock.Lock()
	_, err := mf.fp.Write(buf.Bytes())
	mf.appendLock.Unlock()
	if err != nil {
		return errors.Wrap(err, "While appending to MANIFEST")
	}
	return mf.fp.Sync()
}

type countingReader struct {
	wrapped *bufio.Reader
	count   int64
}

func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.wrapped.Read(p)
	r.count += int64(n)
	return
}

func (r *countingReader) ReadByte() (b byte, err error) {
	b, err = r.wrapped.ReadByte()
	if err == nil {
		r.count++
	}
	return
}

func replayManifestFile(fp *os.File) (manifest, error) {
	r := countingReader{wrapped: bufio.NewReader(fp)}
	build := createManifest()
	var offset int64
	for {
		offset = r.count
		var cs manifestChangeSet
		err := cs.Decode(&r)
		if err != nil {
			if err == io.EOF || errors.Cause(err) == io.ErrUnexpectedEOF {
				break
			}
			return manifest{}, err
		}
		if err := applyChangeSet(&build, &cs); err != nil {
			return manifest{}, err
		}
	}

	// Truncate so we don't leave a half-written changeset at the end.
	if err := fp.Truncate(offset); err != nil {
		return manifest{}, y.Wrap(err)
	}
	if _, err := fp.Seek(0, io.SeekEnd); err != nil {
		return manifest{}, y.Wrap(err)
	}
	return build, nil
}

func applyChangeSet(build *manifest, cs *manifestChangeSet) error {
	for _, c := range cs.changes {
		switch c.tag {
		case manifestSegCreate:
			if _, ok := build.segments[c.segID]; ok {
				return errors.Errorf("MANIFEST invalid, segment %d exists", c.segID)
			}
			build.segments[c.segID] = c.tableID
		case manifestSegDelete:
			if _, ok := build.segments[c.segID]; !ok {
				return errors.Errorf("MANIFEST removes non-existing segment %d", c.segID)
			}
			delete(build.segments, c.segID)
			build.deleted[c.segID] = struct{}{}
		case manifestWalMark:
			if c.lsnLow > build.walLow {
				build.walLow = c.lsnLow
			}
		default:
			return errors.Errorf("MANIFEST has invalid change tag %d", c.tag)
		}
	}
	return nil
}

func (cs *manifestChangeSet) Encode(w *bytes.Buffer) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], uint64(len(cs.changes)))
	w.Write(b[:n])
	for _, c := range cs.changes {
		c.Encode(w)
	}
}

func (cs *manifestChangeSet) Decode(r *countingReader) error {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return err
	}
	changes := make([]manifestChange, n)
	for i := uint64(0); i < n; i++ {
		if err := changes[i].Decode(r); err != nil {
			return err
		}
	}
	cs.changes = changes
	return nil
}

func (c *manifestChange) Encode(w *bytes.Buffer) {
	var b [10]byte
	b[0] = c.tag
	switch c.tag {
	case manifestSegCreate:
		binary.BigEndian.PutUint64(b[1:9], c.segID)
		b[9] = c.tableID
		w.Write(b[:10])
	case manifestSegDelete:
		binary.BigEndian.PutUint64(b[1:9], c.segID)
		w.Write(b[:9])
	case manifestWalMark:
		binary.BigEndian.PutUint64(b[1:9], c.lsnLow)
		w.Write(b[:9])
	}
}

func (c *manifestChange) Decode(r *countingReader) error {
	tag, err := r.ReadByte()
	if err != nil {
		return err
	}
	c.tag = tag
	var b [9]byte
	switch tag {
	case manifestSegCreate:
		if _, err := io.ReadFull(r, b[:9]); err != nil {
			return err
		}
		c.segID = binary.BigEndian.Uint64(b[:8])
		c.tableID = b[8]
	case manifestSegDelete:
		if _, err := io.ReadFull(r, b[:8]); err != nil {
			return err
		}
		c.segID = binary.BigEndian.Uint64(b[:8])
	case manifestWalMark:
		if _, err := io.ReadFull(r, b[:8]); err != nil {
			return err
		}
		c.lsnLow = binary.BigEndian.Uint64(b[:8])
	default:
		return errors.Errorf("invalid manifestChange tag %d", tag)
	}
	return nil
}
