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

import "github.com/omendb/omen/y"

// Iterator yields occupied (key, ref) pairs of the tree in key order within
// [lo, hi). Forward iterators ascend, reverse iterators descend. The
// iterator holds the descent path; it is invalidated by any tree mutation.
type Iterator struct {
	lo, hi  int64
	hiIncl  bool
	reverse bool

	stack []iterFrame // inner chain from root down
	leaf  *Leaf
	slot  int
	valid bool
}

type iterFrame struct {
	in  *Inner
	idx int
}

// NewIterator positions an iterator at the first qualifying key (last for
// reverse).
func (t *Tree) NewIterator(lo, hi int64, reverse bool) *Iterator {
	it := &Iterator{lo: lo, hi: hi, reverse: reverse}
	if lo >= hi || t.numKeys == 0 {
		return it
	}
	return t.seek(it)
}

// NewFullIterator covers the whole key domain, both ends inclusive. Used by
// checkpoint and compaction flushes.
func (t *Tree) NewFullIterator() *Iterator {
	it := &Iterator{lo: y.MinKey, hi: y.MaxKey, hiIncl: true}
	if t.numKeys == 0 {
		return it
	}
	return t.seek(it)
}

func (t *Tree) seek(it *Iterator) *Iterator {
	if it.reverse {
		it.seekLast(t.root, it.hi)
	} else {
		it.seekFirst(t.root, it.lo)
	}
	it.settle()
	return it
}

func (it *Iterator) seekFirst(n *Node, lo int64) {
	for n.Kind == KindInner {
		i := n.Inner.findChild(lo)
		it.stack = append(it.stack, iterFrame{in: n.Inner, idx: i})
		n = n.Inner.children[i]
	}
	it.leaf = n.Leaf
	it.slot = n.Leaf.scanFrom(lo)
	it.valid = true
}

func (it *Iterator) seekLast(n *Node, hi int64) {
	for n.Kind == KindInner {
		i := n.Inner.findChild(hi)
		it.stack = append(it.stack, iterFrame{in: n.Inner, idx: i})
		n = n.Inner.children[i]
	}
	it.leaf = n.Leaf
	it.slot = n.Leaf.scanBack(hi)
	it.valid = true
}

// settle advances across leaves until the cursor rests on a qualifying
// entry or the range is exhausted.
func (it *Iterator) settle() {
	for it.valid {
		if it.reverse {
			if it.slot >= 0 {
				k := it.leaf.keys[it.slot]
				if k < it.lo {
					it.valid = false
				}
				return
			}
			it.prevLeaf()
			continue
		}
		if it.slot < it.leaf.capacity() {
			k := it.leaf.keys[it.slot]
			if k > it.hi || (k == it.hi && !it.hiIncl) {
				it.valid = false
			}
			return
		}
		it.nextLeaf()
	}
}

// nextLeaf pops to the closest ancestor with a further child and descends to
// that subtree's leftmost leaf.
func (it *Iterator) nextLeaf() {
	for len(it.stack) > 0 {
		f := &it.stack[len(it.stack)-1]
		if f.idx+1 < f.in.fanout() {
			f.idx++
			n := f.in.children[f.idx]
			for n.Kind == KindInner {
				it.stack = append(it.stack, iterFrame{in: n.Inner, idx: 0})
				n = n.Inner.children[0]
			}
			it.leaf = n.Leaf
			it.slot = it.leaf.nextOccupied(0)
			return
		}
		it.stack = it.stack[:len(it.stack)-1]
	}
	it.valid = false
}

func (it *Iterator) prevLeaf() {
	for len(it.stack) > 0 {
		f := &it.stack[len(it.stack)-1]
		if f.idx > 0 {
			f.idx--
			n := f.in.children[f.idx]
			for n.Kind == KindInner {
				last := n.Inner.fanout() - 1
				it.stack = append(it.stack, iterFrame{in: n.Inner, idx: last})
				n = n.Inner.children[last]
			}
			it.leaf = n.Leaf
			it.slot = it.leaf.prevOccupied(it.leaf.capacity() - 1)
			return
		}
		it.stack = it.stack[:len(it.stack)-1]
	}
	it.valid = false
}

// Valid reports whether the iterator rests on an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current key. Requires Valid.
func (it *Iterator) Key() int64 { return it.leaf.keys[it.slot] }

// Ref returns the current row ref. Requires Valid.
func (it *Iterator) Ref() y.RowRef { return it.leaf.refs[it.slot] }

// Next moves to the following entry in iteration order.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	if it.reverse {
		it.slot = it.leaf.prevOccupied(it.slot - 1)
	} else {
		it.slot = it.leaf.nextOccupied(it.slot + 1)
	}
	it.settle()
}
