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

// Package segment implements the immutable on-disk columnar segments and the
// mutable segment's staging area.
package segment

import (
	"encoding/binary"
	"hash/crc32"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"

	"github.com/omendb/omen/index"
	"github.com/omendb/omen/y"
)

// ErrCorrupt is returned for bad magic, CRC mismatches and malformed
// footers.
var ErrCorrupt = errors.New("corrupt segment file")

// Segment is an open immutable columnar segment. Read-only and safe for
// concurrent readers.
type Segment struct {
	ID     uint64
	Path   string
	schema *Schema

	fd       *os.File
	rowCount uint64
	chunks   []chunkInfo
	idx      *index.Packed
	cache    *ristretto.Cache

	minKey, maxKey int64
	diskSize       int64

	// Decoded key column, loaded once; the analogue of a B-tree's resident
	// block index.
	keysOnce sync.Once
	keysVal  []int64
	keysErr  error

	// ref counts the owners of this segment: the store's segment list plus
	// any in-flight reader. The file closes when the count drops to zero;
	// stale readers keep compacted-away segments alive until they finish.
	ref           int32
	deleteOnClose int32
}

// OpenSegment opens a segment file, validating magic and footer CRC and
// deserializing the learned index. cache may be nil.
func OpenSegment(path string, id uint64, schema *Schema, cache *ristretto.Cache) (*Segment, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "While opening segment %s", path)
	}
	s := &Segment{ID: id, Path: path, schema: schema, fd: fd, cache: cache, ref: 1}
	if err := s.readFooter(); err != nil {
		_ = fd.Close()
		return nil, err
	}
	return s, nil
}

// IncrRef registers a new owner.
func (s *Segment) IncrRef() {
	atomic.AddInt32(&s.ref, 1)
}

// DecrRef drops one owner; the last drop closes the file and, when the
// segment was compacted away, removes it.
func (s *Segment) DecrRef() error {
	n := atomic.AddInt32(&s.ref, -1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return errors.Errorf("segment %d ref count went negative", s.ID)
	}
	err := s.fd.Close()
	if atomic.LoadInt32(&s.deleteOnClose) != 0 {
		if rerr := os.Remove(s.Path); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// MarkForDeletion makes the final DecrRef remove the file as well.
func (s *Segment) MarkForDeletion() {
	atomic.StoreInt32(&s.deleteOnClose, 1)
}

func (s *Segment) readFooter() error {
	fi, err := s.fd.Stat()
	if err != nil {
		return y.Wrap(err)
	}
	size := fi.Size()
	s.diskSize = size
	if size < headerSize+trailerSize {
		return y.Wrapf(ErrCorrupt, "segment %s: %d bytes is too small", s.Path, size)
	}

	var hdr [headerSize]byte
	if _, err := s.fd.ReadAt(hdr[:], 0); err != nil {
		return y.Wrap(err)
	}
	if string(hdr[:5]) != magic {
		return y.Wrapf(ErrCorrupt, "segment %s: bad magic", s.Path)
	}
	if v := binary.BigEndian.Uint32(hdr[5:9]); v != formatVersion {
		return y.Wrapf(ErrCorrupt, "segment %s: unsupported version %d", s.Path, v)
	}
	if sid := binary.BigEndian.Uint32(hdr[9:13]); sid != s.schema.ID {
		return y.Wrapf(ErrSchemaMismatch, "segment %s: schema %d, expected %d", s.Path, sid, s.schema.ID)
	}
	s.rowCount = binary.BigEndian.Uint64(hdr[13:21])

	var trailer [trailerSize]byte
	if _, err := s.fd.ReadAt(trailer[:], size-trailerSize); err != nil {
		return y.Wrap(err)
	}
	footerLen := int64(binary.BigEndian.Uint32(trailer[:4]))
	wantCrc := binary.BigEndian.Uint32(trailer[4:8])
	if footerLen <= 0 || footerLen > size-headerSize-trailerSize {
		return y.Wrapf(ErrCorrupt, "segment %s: footer length %d out of range", s.Path, footerLen)
	}
	footer := make([]byte, footerLen)
	if _, err := s.fd.ReadAt(footer, size-trailerSize-footerLen); err != nil {
		return y.Wrap(err)
	}
	if got := crc32.Checksum(footer, y.CastagnoliCrcTable); got != wantCrc {
		return y.Wrapf(ErrCorrupt, "segment %s: footer crc %d != %d", s.Path, got, wantCrc)
	}

	// Chunk directory.
	if len(footer) < 4 {
		return y.Wrapf(ErrCorrupt, "segment %s: short footer", s.Path)
	}
	count := binary.BigEndian.Uint32(footer[:4])
	footer = footer[4:]
	if count == 0 || count != uint32(len(s.schema.Cols)+1) {
		return y.Wrapf(ErrCorrupt, "segment %s: %d chunks, schema wants %d",
			s.Path, count, len(s.schema.Cols)+1)
	}
	if uint32(len(footer)) < count*chunkInfoSize {
		return y.Wrapf(ErrCorrupt, "segment %s: truncated chunk directory", s.Path)
	}
	s.chunks = make([]chunkInfo, count)
	for i := range s.chunks {
		c := &s.chunks[i]
		c.colType = footer[0]
		c.compression = y.CompressionType(footer[1])
		c.checksumAlg = y.ChecksumAlgo(footer[2])
		c.rawLen = binary.BigEndian.Uint32(footer[4:8])
		c.compLen = binary.BigEndian.Uint32(footer[8:12])
		c.offset = binary.BigEndian.Uint64(footer[12:20])
		c.checksum = binary.BigEndian.Uint64(footer[20:28])
		footer = footer[chunkInfoSize:]
	}
	if s.chunks[0].colType != chunkKeyType {
		return y.Wrapf(ErrCorrupt, "segment %s: first chunk is not the key column", s.Path)
	}

	s.idx, err = index.DecodePacked(footer)
	if err != nil {
		return y.Wrapf(ErrCorrupt, "segment %s: %v", s.Path, err)
	}

	if s.rowCount > 0 {
		keys, err := s.keyColumn()
		if err != nil {
			return err
		}
		s.minKey, s.maxKey = keys[0], keys[len(keys)-1]
	}
	return nil
}

// Close drops the list's own reference; the handle closes once in-flight
// readers are done.
func (s *Segment) Close() error {
	return s.DecrRef()
}

// RowCount returns the number of rows in the segment.
func (s *Segment) RowCount() uint64 { return s.rowCount }

// DiskSize returns the file size in bytes.
func (s *Segment) DiskSize() int64 { return s.diskSize }

// KeyRange returns the inclusive key span. Only meaningful when RowCount>0.
func (s *Segment) KeyRange() (min, max int64) { return s.minKey, s.maxKey }

// IndexDepth returns the footer index depth, for diagnostics.
func (s *Segment) IndexDepth() int { return s.idx.Depth() }

// chunk returns the decompressed chunk i, via the shared cache when one is
// configured. Checksums are verified on every cold read.
func (s *Segment) chunk(i int) ([]byte, error) {
	cacheKey := s.ID<<8 | uint64(i)
	if s.cache != nil {
		if v, ok := s.cache.Get(cacheKey); ok {
			return v.([]byte), nil
		}
	}
	c := s.chunks[i]
	comp := make([]byte, c.compLen)
	if _, err := s.fd.ReadAt(comp, int64(c.offset)); err != nil {
		return nil, y.Wrapf(err, "While reading chunk %d of segment %s", i, s.Path)
	}
	if err := y.VerifyChecksum(comp, c.checksumAlg, c.checksum); err != nil {
		return nil, y.Wrapf(ErrCorrupt, "segment %s chunk %d: %v", s.Path, i, err)
	}
	raw, err := y.Decompress(c.compression, comp, int(c.rawLen))
	if err != nil {
		return nil, y.Wrapf(ErrCorrupt, "segment %s chunk %d: %v", s.Path, i, err)
	}
	if uint32(len(raw)) != c.rawLen {
		return nil, y.Wrapf(ErrCorrupt, "segment %s chunk %d: raw %d != %d",
			s.Path, i, len(raw), c.rawLen)
	}
	if s.cache != nil {
		s.cache.Set(cacheKey, raw, int64(len(raw)))
	}
	return raw, nil
}

func (s *Segment) keyColumn() ([]int64, error) {
	s.keysOnce.Do(func() {
		raw, err := s.chunk(0)
		if err != nil {
			s.keysErr = err
			return
		}
		keys := make([]int64, len(raw)/8)
		for i := range keys {
			keys[i] = y.BitsKey(binary.BigEndian.Uint64(raw[i*8:]))
		}
		s.keysVal = keys
	})
	return s.keysVal, s.keysErr
}

// findSlot locates key in the sorted key column using the footer's learned
// index: predict a window, then binary-search only that window.
func (s *Segment) findSlot(key int64) (int, bool, error) {
	if s.rowCount == 0 || key < s.minKey || key > s.maxKey {
		return 0, false, nil
	}
	keys, err := s.keyColumn()
	if err != nil {
		return 0, false, err
	}
	lo, hi := s.idx.Window(key)
	if lo < 0 {
		lo = 0
	}
	if hi >= len(keys) {
		hi = len(keys) - 1
	}
	if lo > hi {
		return 0, false, nil
	}
	win := keys[lo : hi+1]
	j := sort.Search(len(win), func(i int) bool { return win[i] >= key })
	if j < len(win) && win[j] == key {
		return lo + j, true, nil
	}
	// Epsilon in the footer is always honest for the segment's own keys, so
	// a window miss means absence.
	return 0, false, nil
}

// Lookup returns the row stored under key, if present.
func (s *Segment) Lookup(key int64) (Row, bool, error) {
	slot, ok, err := s.findSlot(key)
	if err != nil || !ok {
		return nil, false, err
	}
	row, err := s.readRow(slot)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (s *Segment) readRow(slot int) (Row, error) {
	row := make(Row, len(s.schema.Cols))
	for i, col := range s.schema.Cols {
		raw, err := s.chunk(i + 1)
		if err != nil {
			return nil, err
		}
		v, err := decodeColumnValue(col.Type, raw, slot, int(s.rowCount))
		if err != nil {
			return nil, y.Wrapf(ErrCorrupt, "segment %s column %q: %v", s.Path, col.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

func decodeColumnValue(t ColumnType, raw []byte, slot, rows int) (Value, error) {
	switch t {
	case TypeInt, TypeTimestamp:
		if len(raw) < (slot+1)*8 {
			return Value{}, errors.New("short int chunk")
		}
		v := int64(binary.BigEndian.Uint64(raw[slot*8:]))
		if t == TypeInt {
			return IntValue(v), nil
		}
		return TimeValue(v), nil
	case TypeFloat:
		if len(raw) < (slot+1)*8 {
			return Value{}, errors.New("short float chunk")
		}
		return FloatValue(math.Float64frombits(binary.BigEndian.Uint64(raw[slot*8:]))), nil
	case TypeBool:
		if len(raw) <= slot {
			return Value{}, errors.New("short bool chunk")
		}
		return BoolValue(raw[slot] != 0), nil
	case TypeText:
		base := 4 * (rows + 1)
		if len(raw) < base {
			return Value{}, errors.New("short text offsets")
		}
		start := binary.BigEndian.Uint32(raw[slot*4:])
		end := binary.BigEndian.Uint32(raw[(slot+1)*4:])
		if int(end) > len(raw)-base || start > end {
			return Value{}, errors.New("text offsets out of range")
		}
		return TextValue(string(raw[base+int(start) : base+int(end)])), nil
	}
	return Value{}, errors.Errorf("unknown column type %d", t)
}
