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
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/omendb/omen/index"
	"github.com/omendb/omen/y"
)

// Immutable segment file layout, big-endian throughout:
//
//	header  : "LISC1" | u32 version | u32 schema_id | u64 row_count |
//	          u64 key_count | pad to 32
//	chunks  : key chunk (sorted u64 key_bits), then one chunk per schema
//	          column, each compressed independently, offsets 8-aligned
//	footer  : chunk directory | packed learned index blob
//	trailer : u32 footer_len | u32 footer_crc32c
const (
	magic         = "LISC1"
	formatVersion = 1
	headerSize    = 32
	trailerSize   = 8

	// chunkKeyType marks the key chunk in the directory.
	chunkKeyType = 0xFF
)

type chunkInfo struct {
	colType     uint8
	compression y.CompressionType
	checksumAlg y.ChecksumAlgo
	rawLen      uint32
	compLen     uint32
	offset      uint64
	checksum    uint64
}

const chunkInfoSize = 1 + 1 + 2 + 4 + 4 + 8 + 8

// BuildOptions tune segment creation.
type BuildOptions struct {
	Compression y.CompressionType
	Checksum    y.ChecksumAlgo
	Fanout      int
}

// Builder accumulates rows in ascending key order and writes one immutable
// columnar segment.
type Builder struct {
	schema *Schema
	opts   BuildOptions

	keys    []int64
	staging *Staging
}

// NewBuilder makes a builder for one segment of the given schema.
func NewBuilder(schema *Schema, opts BuildOptions) *Builder {
	return &Builder{
		schema:  schema,
		opts:    opts,
		staging: NewStaging(schema),
	}
}

// Add appends one row. Keys must arrive strictly ascending.
func (b *Builder) Add(key int64, row Row) error {
	if n := len(b.keys); n > 0 && b.keys[n-1] >= key {
		return errors.Errorf("keys out of order: %d after %d", key, b.keys[n-1])
	}
	if err := b.schema.Validate(row); err != nil {
		return err
	}
	b.keys = append(b.keys, key)
	b.staging.Append(row)
	return nil
}

// Empty reports whether nothing was added.
func (b *Builder) Empty() bool { return len(b.keys) == 0 }

// KeyCount returns the number of rows added so far.
func (b *Builder) KeyCount() int { return len(b.keys) }

// Finish writes the segment to path atomically: the bytes go to a temp file
// which is fsynced and renamed into place, then the directory is fsynced.
func (b *Builder) Finish(path string) (err error) {
	tmp := path + ".tmp"
	fd, err := y.OpenTruncFile(tmp, false)
	if err != nil {
		return errors.Wrapf(err, "While creating segment temp file %s", tmp)
	}
	defer func() {
		if err != nil {
			_ = fd.Close()
			_ = os.Remove(tmp)
		}
	}()

	data := b.encode()
	if _, err = fd.Write(data); err != nil {
		return errors.Wrapf(err, "While writing segment %s", tmp)
	}
	if err = fd.Sync(); err != nil {
		return errors.Wrapf(err, "While syncing segment %s", tmp)
	}
	if err = fd.Close(); err != nil {
		return errors.Wrapf(err, "While closing segment %s", tmp)
	}
	if err = os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "While renaming segment to %s", path)
	}
	return y.SyncDir(filepath.Dir(path))
}

func (b *Builder) encode() []byte {
	var buf bytes.Buffer

	// Header.
	var hdr [headerSize]byte
	copy(hdr[:5], magic)
	binary.BigEndian.PutUint32(hdr[5:9], formatVersion)
	binary.BigEndian.PutUint32(hdr[9:13], b.schema.ID)
	binary.BigEndian.PutUint64(hdr[13:21], uint64(b.staging.Rows()))
	binary.BigEndian.PutUint64(hdr[21:29], uint64(len(b.keys)))
	buf.Write(hdr[:])

	// Chunks: key column first, then one per schema column.
	chunks := make([]chunkInfo, 0, len(b.schema.Cols)+1)
	writeChunk := func(colType uint8, raw []byte) {
		for buf.Len()%8 != 0 {
			buf.WriteByte(0)
		}
		comp, cerr := y.Compress(b.opts.Compression, raw)
		y.Check(cerr)
		chunks = append(chunks, chunkInfo{
			colType:     colType,
			compression: b.opts.Compression,
			rawLen:      uint32(len(raw)),
			compLen:     uint32(len(comp)),
			offset:      uint64(buf.Len()),
			checksum:    y.CalculateChecksum(comp, b.opts.Checksum),
		})
		buf.Write(comp)
	}

	writeChunk(chunkKeyType, encodeKeyColumn(b.keys))
	for i, col := range b.schema.Cols {
		writeChunk(uint8(col.Type), encodeColumn(col.Type, &b.staging.cols[i], b.staging.Rows()))
	}

	// Footer: chunk directory, then the packed learned index.
	var footer bytes.Buffer
	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(chunks)))
	footer.Write(scratch[:4])
	for _, c := range chunks {
		footer.WriteByte(c.colType)
		footer.WriteByte(byte(c.compression))
		footer.WriteByte(byte(b.opts.Checksum))
		footer.WriteByte(0)
		binary.BigEndian.PutUint32(scratch[:4], c.rawLen)
		footer.Write(scratch[:4])
		binary.BigEndian.PutUint32(scratch[:4], c.compLen)
		footer.Write(scratch[:4])
		binary.BigEndian.PutUint64(scratch[:], c.offset)
		footer.Write(scratch[:])
		binary.BigEndian.PutUint64(scratch[:], c.checksum)
		footer.Write(scratch[:])
	}
	footer.Write(index.BuildPacked(b.keys, b.opts.Fanout).Encode())

	fb := footer.Bytes()
	buf.Write(fb)
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(fb)))
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint32(scratch[:4], crc32.Checksum(fb, y.CastagnoliCrcTable))
	buf.Write(scratch[:4])

	return buf.Bytes()
}

func encodeKeyColumn(keys []int64) []byte {
	out := make([]byte, 8*len(keys))
	for i, k := range keys {
		binary.BigEndian.PutUint64(out[i*8:], y.KeyBits(k))
	}
	return out
}

func encodeColumn(t ColumnType, c *colVec, rows int) []byte {
	switch t {
	case TypeInt, TypeTimestamp:
		out := make([]byte, 8*len(c.ints))
		for i, v := range c.ints {
			binary.BigEndian.PutUint64(out[i*8:], uint64(v))
		}
		return out
	case TypeFloat:
		out := make([]byte, 8*len(c.floats))
		for i, v := range c.floats {
			binary.BigEndian.PutUint64(out[i*8:], math.Float64bits(v))
		}
		return out
	case TypeBool:
		out := make([]byte, len(c.bools))
		for i, v := range c.bools {
			if v {
				out[i] = 1
			}
		}
		return out
	case TypeText:
		// Offsets array (rows+1 entries) followed by the concatenated bytes.
		var total int
		for _, s := range c.texts {
			total += len(s)
		}
		out := make([]byte, 4*(rows+1), 4*(rows+1)+total)
		var off uint32
		for i, s := range c.texts {
			binary.BigEndian.PutUint32(out[i*4:], off)
			off += uint32(len(s))
		}
		binary.BigEndian.PutUint32(out[rows*4:], off)
		for _, s := range c.texts {
			out = append(out, s...)
		}
		return out
	}
	y.Fatalf("unknown column type %d", t)
	return nil
}
