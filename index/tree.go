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

// Package index implements the updatable learned index: gapped-array leaves
// under a tree of linear routing models, plus the packed read-only variant
// serialized into segment footers.
package index

import (
	"github.com/pkg/errors"

	"github.com/omendb/omen/y"
)

// ErrKeyExists is returned on inserting a duplicate primary key.
var ErrKeyExists = errors.New("Key already exists")

// Config carries the structural tuning knobs. Zero values are replaced by
// the defaults below.
type Config struct {
	LeafCapacity  int     // slots per new leaf
	DensityMin    float64 // lower bound kept by merges (informational in v1)
	DensityMax    float64 // occupied/capacity ceiling before split
	DensityInit   float64 // packing density for bulk loads and repacks
	DensityExpand float64 // below this an overflow expands instead of splitting
	ShiftWindow   int     // max neighbours displaced by one insert
	LeafEpsilon   int     // leaf model error ceiling
	InnerEpsilon  int     // routing model error ceiling
	FanoutTarget  int     // children per inner node at build
	FanoutMax     int     // children ceiling before an inner split
}

// DefaultConfig returns the tuning defaults.
func DefaultConfig() Config {
	return Config{
		LeafCapacity:  64,
		DensityMin:    0.25,
		DensityMax:    0.80,
		DensityInit:   0.50,
		DensityExpand: 0.75,
		ShiftWindow:   8,
		LeafEpsilon:   64,
		InnerEpsilon:  16,
		FanoutTarget:  32,
		FanoutMax:     64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LeafCapacity <= 0 {
		c.LeafCapacity = d.LeafCapacity
	}
	if c.DensityMin <= 0 {
		c.DensityMin = d.DensityMin
	}
	if c.DensityMax <= 0 {
		c.DensityMax = d.DensityMax
	}
	if c.DensityInit <= 0 {
		c.DensityInit = d.DensityInit
	}
	if c.DensityExpand <= 0 {
		c.DensityExpand = d.DensityExpand
	}
	if c.ShiftWindow <= 0 {
		c.ShiftWindow = d.ShiftWindow
	}
	if c.LeafEpsilon <= 0 {
		c.LeafEpsilon = d.LeafEpsilon
	}
	if c.InnerEpsilon <= 0 {
		c.InnerEpsilon = d.InnerEpsilon
	}
	if c.FanoutTarget <= 0 {
		c.FanoutTarget = d.FanoutTarget
	}
	if c.FanoutMax <= 0 {
		c.FanoutMax = d.FanoutMax
	}
	return c
}

// Tree is the in-memory learned index over the mutable segment. Not safe
// for concurrent use; the store serializes writers and snapshots readers.
type Tree struct {
	cfg     Config
	root    *Node
	height  int
	numKeys int
}

// NewTree returns an empty tree of depth 1.
func NewTree(cfg Config) *Tree {
	cfg = cfg.withDefaults()
	return &Tree{
		cfg:    cfg,
		root:   &Node{Kind: KindLeaf, Leaf: NewLeaf(cfg.LeafCapacity)},
		height: 1,
	}
}

// BulkLoad builds a tree over pre-sorted pairs in one pass: leaves packed at
// the initial density, then runs of fanout children rolled up until a single
// root remains.
func BulkLoad(cfg Config, pairs []Pair) *Tree {
	cfg = cfg.withDefaults()
	if len(pairs) == 0 {
		return NewTree(cfg)
	}
	perLeaf := int(float64(cfg.LeafCapacity) * cfg.DensityInit)
	if perLeaf < 1 {
		perLeaf = 1
	}

	var nodes []*Node
	for i := 0; i < len(pairs); i += perLeaf {
		j := i + perLeaf
		if j > len(pairs) {
			j = len(pairs)
		}
		nodes = append(nodes, &Node{Kind: KindLeaf, Leaf: newLeafFrom(pairs[i:j], cfg.LeafCapacity)})
	}
	height := 1
	for len(nodes) > 1 {
		var parents []*Node
		for i := 0; i < len(nodes); i += cfg.FanoutTarget {
			j := i + cfg.FanoutTarget
			if j > len(nodes) {
				j = len(nodes)
			}
			parents = append(parents, &Node{Kind: KindInner, Inner: newInner(nodes[i:j])})
		}
		nodes = parents
		height++
	}
	return &Tree{cfg: cfg, root: nodes[0], height: height, numKeys: len(pairs)}
}

// NumKeys returns the number of keys in the tree.
func (t *Tree) NumKeys() int { return t.numKeys }

// Depth returns the tree height (1 = a single leaf).
func (t *Tree) Depth() int { return t.height }

// Get looks key up, descending by predicted+bounded routing.
func (t *Tree) Get(key int64) (y.RowRef, bool) {
	n := t.root
	for n.Kind == KindInner {
		n = n.Inner.children[n.Inner.findChild(key)]
	}
	return n.Leaf.Lookup(key)
}

// Insert adds key. Returns ErrKeyExists on a duplicate; the tree is
// unchanged in that case.
func (t *Tree) Insert(key int64, ref y.RowRef) error {
	// Descend, remembering the inner chain for split propagation.
	var parents []*Inner
	n := t.root
	for n.Kind == KindInner {
		parents = append(parents, n.Inner)
		n = n.Inner.children[n.Inner.findChild(key)]
	}

	outcome := n.Leaf.Insert(key, ref, t.cfg.ShiftWindow)
	if outcome == Conflict {
		return ErrKeyExists
	}
	if outcome == Overflow {
		outcome = t.resolveOverflow(n, parents, key, ref)
		if outcome == Conflict {
			return ErrKeyExists
		}
		y.AssertTruef(outcome == Inserted, "unresolved leaf overflow")
		t.numKeys++
		return nil
	}

	t.numKeys++
	t.adapt(n, parents)
	t.maybeRebuild()
	return nil
}

// maybeRebuild rebuilds the whole tree when its depth has drifted past the
// logarithmic bound a bulk load would give, which skewed insert orders can
// cause. The rebuild is a full-iterator bulk load, O(N).
func (t *Tree) maybeRebuild() {
	if t.height <= 3 {
		return
	}
	bound := 2
	for n := t.numKeys; n > 0; n /= t.cfg.FanoutTarget {
		bound++
	}
	if t.height <= bound {
		return
	}
	pairs := make([]Pair, 0, t.numKeys)
	for it := t.NewFullIterator(); it.Valid(); it.Next() {
		pairs = append(pairs, Pair{Key: it.Key(), Ref: it.Ref()})
	}
	rebuilt := BulkLoad(t.cfg, pairs)
	t.root = rebuilt.root
	t.height = rebuilt.height
}

// adapt applies the cost-driven retrain policy after a successful insert:
// leaves whose counters or epsilon ask for it retrain, and a retrain that
// cannot bring epsilon back under the bound escalates to a split.
func (t *Tree) adapt(n *Node, parents []*Inner) {
	leaf := n.Leaf
	if !leaf.NeedsRetrain(t.cfg.LeafEpsilon) {
		return
	}
	if leaf.Retrain(t.cfg.LeafEpsilon) {
		return
	}
	if leaf.NumKeys() < 2 {
		return
	}
	t.splitLeaf(n, parents)
}

// resolveOverflow applies the overflow policy: wider shift below the density
// ceiling, expansion below the expand target, split otherwise. It finishes
// by inserting key into whichever leaf now owns it.
func (t *Tree) resolveOverflow(n *Node, parents []*Inner, key int64, ref y.RowRef) InsertOutcome {
	leaf := n.Leaf
	if leaf.Density() < t.cfg.DensityMax {
		if out := leaf.InsertWide(key, ref); out != Overflow {
			return out
		}
	}
	if leaf.Density() < t.cfg.DensityExpand {
		leaf.Expand()
		return leaf.InsertWide(key, ref)
	}
	t.splitLeaf(n, parents)
	// The split replaced n's content; re-descend from the root, since the
	// parent chain may itself have split.
	return t.insertAfterSplit(key, ref)
}

func (t *Tree) insertAfterSplit(key int64, ref y.RowRef) InsertOutcome {
	n := t.root
	for n.Kind == KindInner {
		n = n.Inner.children[n.Inner.findChild(key)]
	}
	out := n.Leaf.Insert(key, ref, t.cfg.ShiftWindow)
	if out == Overflow {
		// A fresh half-density leaf cannot be packed; a second overflow
		// here means the invariants are broken.
		y.Fatalf("insert overflow immediately after split")
	}
	return out
}

// splitLeaf replaces the leaf held by n with its left half and hooks the
// right half into the parent, splitting overfull parents up to the root.
func (t *Tree) splitLeaf(n *Node, parents []*Inner) {
	left, right := n.Leaf.Split()
	n.Leaf = left
	rightNode := &Node{Kind: KindLeaf, Leaf: right}
	t.attachSibling(n, rightNode, right.minKey(), parents)
}

func (t *Tree) attachSibling(child, sibling *Node, pivot int64, parents []*Inner) {
	if len(parents) == 0 {
		// Root split: depth grows by one.
		y.AssertTrue(child == t.root)
		old := &Node{Kind: child.Kind, Inner: child.Inner, Leaf: child.Leaf}
		*child = Node{Kind: KindInner, Inner: newInner([]*Node{old, sibling})}
		t.height++
		return
	}
	parent := parents[len(parents)-1]
	i := parent.findChild(pivot)
	parent.insertChildAt(i+1, pivot, sibling)
	if parent.fanout() > t.cfg.FanoutMax {
		upper := parent.split()
		upperNode := &Node{Kind: KindInner, Inner: upper}
		// Locate the Node wrapper of parent one level up.
		t.attachSiblingOfInner(parent, upperNode, upper.pivots[0], parents[:len(parents)-1])
	}
}

func (t *Tree) attachSiblingOfInner(in *Inner, sibling *Node, pivot int64, parents []*Inner) {
	if len(parents) == 0 {
		y.AssertTrue(t.root.Kind == KindInner && t.root.Inner == in)
		old := &Node{Kind: KindInner, Inner: in}
		t.root = &Node{Kind: KindInner, Inner: newInner([]*Node{old, sibling})}
		t.height++
		return
	}
	parent := parents[len(parents)-1]
	i := parent.findChild(pivot)
	parent.insertChildAt(i+1, pivot, sibling)
	if parent.fanout() > t.cfg.FanoutMax {
		upper := parent.split()
		t.attachSiblingOfInner(parent, &Node{Kind: KindInner, Inner: upper},
			upper.pivots[0], parents[:len(parents)-1])
	}
}

// Stats summarizes the index shape for diagnostics.
type Stats struct {
	Keys        int
	Depth       int
	Leaves      int
	MeanEpsilon float64
	MeanDensity float64
}

// Stats walks the tree and aggregates leaf statistics.
func (t *Tree) Stats() Stats {
	s := Stats{Keys: t.numKeys, Depth: t.height}
	var epsSum, densSum float64
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Kind == KindLeaf {
			s.Leaves++
			epsSum += float64(n.Leaf.Epsilon())
			densSum += n.Leaf.Density()
			return
		}
		for _, c := range n.Inner.children {
			walk(c)
		}
	}
	walk(t.root)
	if s.Leaves > 0 {
		s.MeanEpsilon = epsSum / float64(s.Leaves)
		s.MeanDensity = densSum / float64(s.Leaves)
	}
	return s
}
