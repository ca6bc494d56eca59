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
	"sync/atomic"

	"github.com/omendb/omen/model"
	"github.com/omendb/omen/y"
)

// InsertOutcome reports what a leaf insert did.
type InsertOutcome int

const (
	// Inserted means the key was placed.
	Inserted InsertOutcome = iota
	// Conflict means the key already exists; the leaf is unchanged.
	Conflict
	// Overflow means no gap was reachable within the shift window; the
	// caller must widen, expand or split.
	Overflow
)

// Leaf is a gapped array of key slots. Occupied keys are strictly increasing
// in slot order; the linear model predicts a slot from a key with a tracked
// error bound, so lookups search only a small window.
type Leaf struct {
	keys []int64
	refs []y.RowRef
	used []bool

	model   model.Linear
	numKeys int

	// Set when a lookup had to fall outside the model's window. A retrain
	// is piggy-backed onto the next insert touching this leaf. Lookups run
	// under the readers' shared lock, so everything they touch is atomic.
	degraded int32

	insertsSinceRetrain int
	lookups             int64
	windowSlots         int64
}

// NewLeaf allocates an empty leaf with the given slot capacity.
func NewLeaf(capacity int) *Leaf {
	if capacity < 4 {
		capacity = 4
	}
	return &Leaf{
		keys: make([]int64, capacity),
		refs: make([]y.RowRef, capacity),
		used: make([]bool, capacity),
	}
}

// newLeafFrom packs sorted pairs into a fresh leaf at the given density,
// equi-spacing the entries so every run of slots keeps gaps, then trains the
// model on the final placement.
func newLeafFrom(pairs []Pair, capacity int) *Leaf {
	l := NewLeaf(capacity)
	n := len(pairs)
	if n == 0 {
		return l
	}
	y.AssertTruef(n <= capacity, "leaf pack overflow: %d > %d", n, capacity)
	for i, p := range pairs {
		slot := i * capacity / n
		l.keys[slot] = p.Key
		l.refs[slot] = p.Ref
		l.used[slot] = true
	}
	l.numKeys = n
	l.retrain()
	return l
}

// Pair is one occupied entry of a leaf.
type Pair struct {
	Key int64
	Ref y.RowRef
}

func (l *Leaf) capacity() int { return len(l.keys) }

// Density returns occupied/capacity.
func (l *Leaf) Density() float64 {
	return float64(l.numKeys) / float64(len(l.keys))
}

// NumKeys returns the number of occupied slots.
func (l *Leaf) NumKeys() int { return l.numKeys }

// Epsilon returns the model's current error bound in slots.
func (l *Leaf) Epsilon() int { return l.model.ErrorBound() }

// minKey returns the smallest occupied key. Leaf must be non-empty.
func (l *Leaf) minKey() int64 {
	for i := 0; i < len(l.keys); i++ {
		if l.used[i] {
			return l.keys[i]
		}
	}
	y.Fatalf("minKey on empty leaf")
	return 0
}

func (l *Leaf) maxKey() int64 {
	for i := len(l.keys) - 1; i >= 0; i-- {
		if l.used[i] {
			return l.keys[i]
		}
	}
	y.Fatalf("maxKey on empty leaf")
	return 0
}

// searchWindow scans [lo, hi] for key. Windows are at most 2ε+1 slots, so a
// linear scan beats a gap-aware binary search at leaf sizes.
func (l *Leaf) searchWindow(key int64, lo, hi int) (int, bool) {
	for i := lo; i <= hi; i++ {
		if l.used[i] && l.keys[i] == key {
			return i, true
		}
	}
	return 0, false
}

// Lookup returns the row ref stored under key.
func (l *Leaf) Lookup(key int64) (y.RowRef, bool) {
	if l.numKeys == 0 {
		return y.RowRef{}, false
	}
	lo, hi := l.model.Window(y.KeyFloat(key), l.capacity())
	atomic.AddInt64(&l.lookups, 1)
	atomic.AddInt64(&l.windowSlots, int64(hi-lo+1))
	if i, ok := l.searchWindow(key, lo, hi); ok {
		return l.refs[i], true
	}
	if atomic.LoadInt32(&l.degraded) == 0 && l.outsideKeyRange(key) {
		return y.RowRef{}, false
	}
	// The window missed. Widen the radius geometrically before falling back
	// to a full scan; a hit out here means the model lied and the leaf is
	// degraded until retrained.
	radius := l.model.ErrorBound()
	if radius < 1 {
		radius = 1
	}
	p := l.model.Predict(y.KeyFloat(key), l.capacity())
	for radius < l.capacity() {
		radius *= 2
		wlo, whi := p-radius, p+radius
		if wlo < 0 {
			wlo = 0
		}
		if whi >= l.capacity() {
			whi = l.capacity() - 1
		}
		if i, ok := l.searchWindow(key, wlo, whi); ok {
			atomic.StoreInt32(&l.degraded, 1)
			return l.refs[i], true
		}
		if wlo == 0 && whi == l.capacity()-1 {
			break
		}
	}
	if i, ok := l.searchWindow(key, 0, l.capacity()-1); ok {
		atomic.StoreInt32(&l.degraded, 1)
		return l.refs[i], true
	}
	return y.RowRef{}, false
}

func (l *Leaf) outsideKeyRange(key int64) bool {
	return key < l.minKey() || key > l.maxKey()
}

// prevOccupied returns the largest occupied slot <= i, or -1.
func (l *Leaf) prevOccupied(i int) int {
	for ; i >= 0; i-- {
		if l.used[i] {
			return i
		}
	}
	return -1
}

// nextOccupied returns the smallest occupied slot >= i, or capacity.
func (l *Leaf) nextOccupied(i int) int {
	for ; i < len(l.keys); i++ {
		if l.used[i] {
			return i
		}
	}
	return len(l.keys)
}

// bounds locates the occupied neighbours of key: pred is the slot of the
// largest occupied key < key (-1 if none) and succ the slot of the smallest
// occupied key > key (capacity if none). exact reports a duplicate.
//
// The model window is tried first; if the neighbours cannot be confirmed
// inside it the radius widens exponentially, the same discipline as Lookup.
func (l *Leaf) bounds(key int64) (pred, succ int, exact bool) {
	if l.numKeys == 0 {
		return -1, len(l.keys), false
	}
	p := l.model.Predict(y.KeyFloat(key), l.capacity())
	radius := l.model.ErrorBound()
	if radius < 1 {
		radius = 1
	}
	for {
		lo, hi := p-radius, p+radius
		if lo < 0 {
			lo = 0
		}
		if hi >= l.capacity() {
			hi = l.capacity() - 1
		}
		pred, succ, exact = l.boundsIn(key, lo, hi)
		// The window bounds the answer only if both neighbours were seen
		// inside it, or the window is pinned to the array edge on the side
		// that ran out.
		okLeft := pred >= 0 || lo == 0
		okRight := succ < l.capacity() || hi == l.capacity()-1
		if exact || (okLeft && okRight) {
			return pred, succ, exact
		}
		if lo == 0 && hi == l.capacity()-1 {
			return pred, succ, exact
		}
		radius *= 2
	}
}

func (l *Leaf) boundsIn(key int64, lo, hi int) (pred, succ int, exact bool) {
	pred, succ = -1, len(l.keys)
	for i := lo; i <= hi; i++ {
		if !l.used[i] {
			continue
		}
		switch {
		case l.keys[i] == key:
			return i, i, true
		case l.keys[i] < key:
			pred = i
		case l.keys[i] > key:
			succ = i
			return pred, succ, false
		}
	}
	// Nothing greater inside the window; look at the nearest occupied slot
	// beyond it so the caller can tell whether the window truly bounds key.
	if n := l.nextOccupied(hi + 1); n < l.capacity() {
		if l.keys[n] > key {
			succ = n
		} else {
			// Window is entirely left of key's region.
			pred = n
			succ = len(l.keys)
		}
	}
	if pred == -1 {
		if pv := l.prevOccupied(lo - 1); pv >= 0 && l.keys[pv] < key {
			pred = pv
		}
	}
	return pred, succ, false
}

// Insert places key into slot order. Direct write into a gap is O(1); when
// the target region is packed, up to shiftWindow occupied neighbours are
// displaced toward the nearest gap. Returns Overflow when no gap is within
// reach.
func (l *Leaf) Insert(key int64, ref y.RowRef, shiftWindow int) InsertOutcome {
	return l.insert(key, ref, shiftWindow)
}

// InsertWide retries an overflowed insert with the shift window opened to
// the whole leaf. It still overflows when the leaf has no gap at all.
func (l *Leaf) InsertWide(key int64, ref y.RowRef) InsertOutcome {
	return l.insert(key, ref, l.capacity())
}

func (l *Leaf) insert(key int64, ref y.RowRef, shiftWindow int) InsertOutcome {
	if l.numKeys == 0 {
		slot := l.model.Predict(y.KeyFloat(key), l.capacity())
		l.place(slot, key, ref)
		return Inserted
	}
	pred, succ, exact := l.bounds(key)
	if exact {
		return Conflict
	}

	// Any empty slot strictly between the neighbours keeps slot order.
	if gap := l.gapBetween(pred, succ, key); gap >= 0 {
		l.place(gap, key, ref)
		return Inserted
	}

	// Packed region: shift toward the nearest gap within the window.
	// Shifting right frees slot succ; shifting left frees slot pred.
	rightGap, leftGap := -1, -1
	for i := succ; i < l.capacity() && i-succ < shiftWindow; i++ {
		if !l.used[i] {
			rightGap = i
			break
		}
	}
	for i := pred; i >= 0 && pred-i < shiftWindow; i-- {
		if !l.used[i] {
			leftGap = i
			break
		}
	}
	switch {
	case rightGap >= 0 && (leftGap < 0 || rightGap-succ <= pred-leftGap):
		for i := rightGap; i > succ; i-- {
			l.keys[i], l.refs[i], l.used[i] = l.keys[i-1], l.refs[i-1], l.used[i-1]
		}
		l.used[succ] = false
		l.place(succ, key, ref)
		return Inserted
	case leftGap >= 0:
		for i := leftGap; i < pred; i++ {
			l.keys[i], l.refs[i], l.used[i] = l.keys[i+1], l.refs[i+1], l.used[i+1]
		}
		l.used[pred] = false
		l.place(pred, key, ref)
		return Inserted
	}
	return Overflow
}

// gapBetween picks an empty slot in (pred, succ), preferring the one nearest
// the model's prediction for key.
func (l *Leaf) gapBetween(pred, succ int, key int64) int {
	lo, hi := pred+1, succ-1
	if lo > hi {
		return -1
	}
	p := l.model.Predict(y.KeyFloat(key), l.capacity())
	if p < lo {
		p = lo
	}
	if p > hi {
		p = hi
	}
	for d := 0; ; d++ {
		r, lft := p+d, p-d
		if r > hi && lft < lo {
			return -1
		}
		if r <= hi && !l.used[r] {
			return r
		}
		if lft >= lo && !l.used[lft] {
			return lft
		}
	}
}

func (l *Leaf) place(slot int, key int64, ref y.RowRef) {
	y.AssertTruef(!l.used[slot], "placing into occupied slot %d", slot)
	l.keys[slot] = key
	l.refs[slot] = ref
	l.used[slot] = true
	l.numKeys++
	l.insertsSinceRetrain++
	l.model.IncrementalUpdate(model.Point{X: y.KeyFloat(key), Y: float64(slot)})
}

// NeedsRetrain reports whether the leaf's adaptation counters or a degraded
// lookup ask for a model refit. Never called on a lookup path.
func (l *Leaf) NeedsRetrain(epsilonMax int) bool {
	if atomic.LoadInt32(&l.degraded) != 0 {
		return true
	}
	if l.model.ErrorBound() > epsilonMax {
		return true
	}
	if l.insertsSinceRetrain > l.numKeys/2 && l.insertsSinceRetrain >= 16 {
		return true
	}
	// Mean lookup window creeping past the bound signals a stale fit.
	if n := atomic.LoadInt64(&l.lookups); n >= 64 &&
		atomic.LoadInt64(&l.windowSlots)/n > int64(2*epsilonMax) {
		return true
	}
	return false
}

// Retrain refits the model over current (key, slot) placements. It reports
// whether the refit brought epsilon within epsilonMax; callers split when it
// did not.
func (l *Leaf) Retrain(epsilonMax int) bool {
	l.retrain()
	return l.model.ErrorBound() <= epsilonMax
}

func (l *Leaf) retrain() {
	pts := make([]model.Point, 0, l.numKeys)
	for i := 0; i < len(l.keys); i++ {
		if l.used[i] {
			pts = append(pts, model.Point{X: y.KeyFloat(l.keys[i]), Y: float64(i)})
		}
	}
	l.model.Train(pts)
	atomic.StoreInt32(&l.degraded, 0)
	l.insertsSinceRetrain = 0
	atomic.StoreInt64(&l.lookups, 0)
	atomic.StoreInt64(&l.windowSlots, 0)
}

// Pairs returns occupied entries in ascending key order.
func (l *Leaf) Pairs() []Pair {
	pairs := make([]Pair, 0, l.numKeys)
	for i := 0; i < len(l.keys); i++ {
		if l.used[i] {
			pairs = append(pairs, Pair{Key: l.keys[i], Ref: l.refs[i]})
		}
	}
	return pairs
}

// Expand doubles capacity, repositions entries by equi-spacing and retrains.
func (l *Leaf) Expand() {
	pairs := l.Pairs()
	grown := newLeafFrom(pairs, 2*l.capacity())
	*l = *grown
}

// Split partitions the leaf at its median key into two leaves of the original
// capacity, each repacked at roughly half density with a fresh model.
func (l *Leaf) Split() (left, right *Leaf) {
	pairs := l.Pairs()
	y.AssertTruef(len(pairs) >= 2, "splitting leaf with %d keys", len(pairs))
	mid := len(pairs) / 2
	left = newLeafFrom(pairs[:mid], l.capacity())
	right = newLeafFrom(pairs[mid:], l.capacity())
	return left, right
}

// scanFrom returns the first occupied slot holding a key >= lo, located via
// the model's predicted window rather than a scan from slot zero.
func (l *Leaf) scanFrom(lo int64) int {
	if l.numKeys == 0 {
		return l.capacity()
	}
	pred, succ, exact := l.bounds(lo)
	if exact {
		return pred
	}
	return succ
}

// scanBack returns the last occupied slot holding a key < hi, or -1.
func (l *Leaf) scanBack(hi int64) int {
	if l.numKeys == 0 {
		return -1
	}
	pred, _, exact := l.bounds(hi)
	if exact {
		return l.prevOccupied(pred - 1)
	}
	return pred
}
