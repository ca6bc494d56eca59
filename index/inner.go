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
	"sort"

	"github.com/omendb/omen/model"
	"github.com/omendb/omen/y"
)

// NodeKind tags the two node variants; the descent loop switches on it.
type NodeKind uint8

const (
	KindInner NodeKind = iota
	KindLeaf
)

// Node is the tagged variant holding either an inner routing node or a leaf.
type Node struct {
	Kind  NodeKind
	Inner *Inner
	Leaf  *Leaf
}

// Inner routes a key to one of its children. pivots[i] is the smallest key
// of the subtree under children[i]; both arrays move in lockstep. The model
// predicts a child index, the pivot array confirms it within the error
// bound.
type Inner struct {
	pivots   []int64
	children []*Node

	model               model.Linear
	insertsSinceRetrain int
}

func newInner(children []*Node) *Inner {
	in := &Inner{
		pivots:   make([]int64, len(children)),
		children: children,
	}
	for i, c := range children {
		in.pivots[i] = c.minKey()
	}
	in.retrain()
	return in
}

func (n *Node) minKey() int64 {
	if n.Kind == KindLeaf {
		return n.Leaf.minKey()
	}
	return n.Inner.pivots[0]
}

func (in *Inner) fanout() int { return len(in.children) }

// findChild returns the index of the child whose key range covers key. The
// model narrows the binary search to [p-eps, p+eps] of the pivot array; the
// pivot array is fully sorted, so a dishonest bound only costs a second,
// full-width search, never a wrong child.
func (in *Inner) findChild(key int64) int {
	lo, hi := in.model.Window(y.KeyFloat(key), len(in.pivots))
	i := in.searchPivots(key, lo, hi)
	// Verify the window actually bounded the answer.
	if (i == lo && lo > 0 && in.pivots[i] > key) || (i == hi && hi < len(in.pivots)-1) {
		i = in.searchPivots(key, 0, len(in.pivots)-1)
	}
	return i
}

// searchPivots binary-searches pivots[lo..hi] for the last pivot <= key.
// Keys below every pivot route to child 0.
func (in *Inner) searchPivots(key int64, lo, hi int) int {
	n := hi - lo + 1
	j := sort.Search(n, func(k int) bool { return in.pivots[lo+k] > key })
	if j == 0 {
		return lo
	}
	return lo + j - 1
}

// insertChildAt splices child (with the given pivot) in at position i and
// refits the routing model over the shifted pivot array.
func (in *Inner) insertChildAt(i int, pivot int64, child *Node) {
	in.pivots = append(in.pivots, 0)
	copy(in.pivots[i+1:], in.pivots[i:])
	in.pivots[i] = pivot

	in.children = append(in.children, nil)
	copy(in.children[i+1:], in.children[i:])
	in.children[i] = child

	in.insertsSinceRetrain++
	in.retrain()
}

func (in *Inner) retrain() {
	pts := make([]model.Point, len(in.pivots))
	for i, p := range in.pivots {
		pts[i] = model.Point{X: y.KeyFloat(p), Y: float64(i)}
	}
	in.model.Train(pts)
	in.insertsSinceRetrain = 0
}

// split halves the inner node. The receiver keeps the lower children; the
// returned node takes the upper half with its own refit model.
func (in *Inner) split() *Inner {
	mid := len(in.children) / 2
	right := &Inner{
		pivots:   append([]int64(nil), in.pivots[mid:]...),
		children: append([]*Node(nil), in.children[mid:]...),
	}
	in.pivots = in.pivots[:mid:mid]
	in.children = in.children[:mid:mid]
	in.retrain()
	right.retrain()
	return right
}
