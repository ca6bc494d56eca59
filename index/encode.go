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

package index

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/omendb/omen/y"
)

// Packed index wire format, big-endian, preorder:
//
//	u32 blob_len
//	node := u8 kind
//	        f64 slope | f64 intercept | f64 epsilon
//	        u32 pivot_count | pivot_count * u64 key_bits
//	        inner: pivot_count * node
//	        leaf:  u64 slot_start | u32 slot_count

// ErrBadIndexBlob is returned when a footer index blob fails to parse.
var ErrBadIndexBlob = errors.New("malformed learned index blob")

// Encode serializes the packed index with its length prefix.
func (p *Packed) Encode() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	encodeNode(&buf, p)
	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[:4], uint32(len(out)-4))
	return out
}

func encodeNode(buf *bytes.Buffer, p *Packed) {
	var scratch [8]byte
	buf.WriteByte(byte(p.Kind))
	binary.BigEndian.PutUint64(scratch[:], math.Float64bits(p.Model.Slope))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], math.Float64bits(p.Model.Intercept))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], math.Float64bits(p.Model.Epsilon))
	buf.Write(scratch[:])

	binary.BigEndian.PutUint32(scratch[:4], uint32(len(p.Pivots)))
	buf.Write(scratch[:4])
	for _, piv := range p.Pivots {
		binary.BigEndian.PutUint64(scratch[:], y.KeyBits(piv))
		buf.Write(scratch[:])
	}

	if p.Kind == KindInner {
		for _, c := range p.Children {
			encodeNode(buf, c)
		}
		return
	}
	binary.BigEndian.PutUint64(scratch[:], p.Start)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint32(scratch[:4], p.Count)
	buf.Write(scratch[:4])
}

// DecodePacked parses an Encode-produced blob.
func DecodePacked(data []byte) (*Packed, error) {
	if len(data) < 4 {
		return nil, y.Wrapf(ErrBadIndexBlob, "short blob: %d bytes", len(data))
	}
	blobLen := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)-4) < blobLen {
		return nil, y.Wrapf(ErrBadIndexBlob, "blob length %d exceeds buffer %d", blobLen, len(data)-4)
	}
	d := &decoder{buf: data[4 : 4+blobLen]}
	p, err := d.node(0)
	if err != nil {
		return nil, err
	}
	if len(d.buf) != 0 {
		return nil, y.Wrapf(ErrBadIndexBlob, "%d trailing bytes", len(d.buf))
	}
	return p, nil
}

type decoder struct {
	buf []byte
}

// maxDecodeDepth caps recursion so a corrupt blob cannot blow the stack.
const maxDecodeDepth = 16

func (d *decoder) take(n int) ([]byte, error) {
	if len(d.buf) < n {
		return nil, y.Wrapf(ErrBadIndexBlob, "truncated: want %d bytes, have %d", n, len(d.buf))
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out, nil
}

func (d *decoder) node(depth int) (*Packed, error) {
	if depth > maxDecodeDepth {
		return nil, y.Wrapf(ErrBadIndexBlob, "node depth exceeds %d", maxDecodeDepth)
	}
	hdr, err := d.take(1 + 3*8 + 4)
	if err != nil {
		return nil, err
	}
	p := &Packed{Kind: NodeKind(hdr[0])}
	if p.Kind != KindInner && p.Kind != KindLeaf {
		return nil, y.Wrapf(ErrBadIndexBlob, "unknown node kind %d", hdr[0])
	}
	p.Model.Slope = math.Float64frombits(binary.BigEndian.Uint64(hdr[1:9]))
	p.Model.Intercept = math.Float64frombits(binary.BigEndian.Uint64(hdr[9:17]))
	p.Model.Epsilon = math.Float64frombits(binary.BigEndian.Uint64(hdr[17:25]))
	pivotCount := binary.BigEndian.Uint32(hdr[25:29])

	if pivotCount > 0 {
		raw, err := d.take(int(pivotCount) * 8)
		if err != nil {
			return nil, err
		}
		p.Pivots = make([]int64, pivotCount)
		for i := range p.Pivots {
			p.Pivots[i] = y.BitsKey(binary.BigEndian.Uint64(raw[i*8:]))
		}
	}

	if p.Kind == KindInner {
		if pivotCount == 0 {
			return nil, y.Wrapf(ErrBadIndexBlob, "inner node with no children")
		}
		p.Children = make([]*Packed, pivotCount)
		for i := range p.Children {
			if p.Children[i], err = d.node(depth + 1); err != nil {
				return nil, err
			}
		}
		p.Model.Count = int(pivotCount)
		return p, nil
	}

	tail, err := d.take(8 + 4)
	if err != nil {
		return nil, err
	}
	p.Start = binary.BigEndian.Uint64(tail[:8])
	p.Count = binary.BigEndian.Uint32(tail[8:12])
	p.Model.Count = int(p.Count)
	return p, nil
}
