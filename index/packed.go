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
	"github.com/omendb/omen/model"
	"github.com/omendb/omen/y"
)

// Packed is the read-only learned index serialized into immutable segment
// footers. Leaves map key ranges onto contiguous slot ranges of the
// segment's sorted key column; the segment performs the final bounded
// binary search against that column.
type Packed struct {
	Kind  NodeKind
	Model model.Linear

	// Inner payload.
	Pivots   []int64
	Children []*Packed

	// Leaf payload: the slot range [Start, Start+Count) of the key column.
	Start uint64
	Count uint32
}

// packedLeafTarget is how many key-column slots one packed leaf models.
const packedLeafTarget = 256

// BuildPacked trains a packed index over a segment's sorted key column in a
// single pass. fanout bounds inner node width.
func BuildPacked(keys []int64, fanout int) *Packed {
	if fanout <= 1 {
		fanout = DefaultConfig().FanoutTarget
	}
	if len(keys) == 0 {
		return &Packed{Kind: KindLeaf}
	}

	var nodes []*Packed
	for start := 0; start < len(keys); start += packedLeafTarget {
		end := start + packedLeafTarget
		if end > len(keys) {
			end = len(keys)
		}
		leaf := &Packed{
			Kind:  KindLeaf,
			Start: uint64(start),
			Count: uint32(end - start),
		}
		pts := make([]model.Point, end-start)
		for i := start; i < end; i++ {
			pts[i-start] = model.Point{X: y.KeyFloat(keys[i]), Y: float64(i - start)}
		}
		leaf.Model.Train(pts)
		nodes = append(nodes, leaf)
	}
	for len(nodes) > 1 {
		var parents []*Packed
		for i := 0; i < len(nodes); i += fanout {
			j := i + fanout
			if j > len(nodes) {
				j = len(nodes)
			}
			run := nodes[i:j]
			in := &Packed{Kind: KindInner, Children: run}
			in.Pivots = make([]int64, len(run))
			pts := make([]model.Point, len(run))
			for k, c := range run {
				in.Pivots[k] = c.minPackedKey(keys)
				pts[k] = model.Point{X: y.KeyFloat(in.Pivots[k]), Y: float64(k)}
			}
			in.Model.Train(pts)
			parents = append(parents, in)
		}
		nodes = parents
	}
	return nodes[0]
}

func (p *Packed) minPackedKey(keys []int64) int64 {
	if p.Kind == KindLeaf {
		return keys[p.Start]
	}
	return p.Pivots[0]
}

// Window descends to the leaf covering key and returns the inclusive slot
// window [lo, hi] of the key column that must contain key if present.
func (p *Packed) Window(key int64) (lo, hi int) {
	n := p
	for n.Kind == KindInner {
		wlo, whi := n.Model.Window(y.KeyFloat(key), len(n.Pivots))
		i := searchPacked(n.Pivots, key, wlo, whi)
		if (i == wlo && wlo > 0 && n.Pivots[i] > key) || (i == whi && whi < len(n.Pivots)-1) {
			i = searchPacked(n.Pivots, key, 0, len(n.Pivots)-1)
		}
		n = n.Children[i]
	}
	if n.Count == 0 {
		return 0, -1
	}
	rlo, rhi := n.Model.Window(y.KeyFloat(key), int(n.Count))
	return int(n.Start) + rlo, int(n.Start) + rhi
}

func searchPacked(pivots []int64, key int64, lo, hi int) int {
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if pivots[mid] <= key {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// Depth returns the packed tree height.
func (p *Packed) Depth() int {
	d := 1
	for n := p; n.Kind == KindInner; n = n.Children[0] {
		d++
	}
	return d
}
