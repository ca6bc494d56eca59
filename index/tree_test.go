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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omendb/omen/y"
)

func TestTreeSequentialInserts(t *testing.T) {
	tr := NewTree(DefaultConfig())
	const n = 10000
	for k := int64(0); k < n; k++ {
		require.NoError(t, tr.Insert(k, ref(uint32(k))))
	}
	require.Equal(t, n, tr.NumKeys())
	for k := int64(0); k < n; k++ {
		got, ok := tr.Get(k)
		require.True(t, ok, "key %d", k)
		require.Equal(t, uint32(k), got.Slot)
	}
	_, ok := tr.Get(n)
	require.False(t, ok)
}

func TestTreeReverseMonotoneInserts(t *testing.T) {
	tr := NewTree(DefaultConfig())
	const n = 5000
	for k := int64(n - 1); k >= 0; k-- {
		require.NoError(t, tr.Insert(k, ref(uint32(k))))
	}
	for k := int64(0); k < n; k++ {
		_, ok := tr.Get(k)
		require.True(t, ok, "key %d", k)
	}
	s := tr.Stats()
	require.Equal(t, n, s.Keys)
	require.LessOrEqual(t, s.MeanDensity, DefaultConfig().DensityMax)
}

func TestTreeRandomInsertsAndDuplicates(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	tr := NewTree(DefaultConfig())
	inserted := map[int64]uint32{}
	for len(inserted) < 20000 {
		k := rnd.Int63n(1 << 40)
		if _, dup := inserted[k]; dup {
			continue
		}
		slot := uint32(len(inserted))
		require.NoError(t, tr.Insert(k, ref(slot)))
		inserted[k] = slot
	}
	// Duplicates leave the tree untouched.
	for k := range inserted {
		require.Equal(t, ErrKeyExists, tr.Insert(k, ref(0)))
		break
	}
	for k, slot := range inserted {
		got, ok := tr.Get(k)
		require.True(t, ok, "key %d", k)
		require.Equal(t, slot, got.Slot)
	}
}

func TestTreeHotspotThenUniform(t *testing.T) {
	rnd := rand.New(rand.NewSource(23))
	tr := NewTree(DefaultConfig())
	inserted := map[int64]bool{}
	insert := func(k int64) {
		if inserted[k] {
			return
		}
		require.NoError(t, tr.Insert(k, ref(0)))
		inserted[k] = true
	}
	// Tight cluster first, then a uniform spray: the cluster must split
	// without hurting the uniform region.
	for i := 0; i < 10000; i++ {
		insert(1000 + rnd.Int63n(100)*1000000 + int64(i))
	}
	for i := 0; i < 10000; i++ {
		insert(rnd.Int63n(1_000_000_000))
	}
	for k := range inserted {
		_, ok := tr.Get(k)
		require.True(t, ok, "key %d", k)
	}
	s := tr.Stats()
	require.LessOrEqual(t, s.Depth, 4)
	require.LessOrEqual(t, s.MeanDensity, DefaultConfig().DensityMax)
}

func TestTreeExtremeKeys(t *testing.T) {
	tr := NewTree(DefaultConfig())
	require.NoError(t, tr.Insert(y.MinKey, ref(1)))
	require.NoError(t, tr.Insert(y.MaxKey, ref(2)))
	require.NoError(t, tr.Insert(0, ref(3)))

	got, ok := tr.Get(y.MinKey)
	require.True(t, ok)
	require.Equal(t, uint32(1), got.Slot)
	got, ok = tr.Get(y.MaxKey)
	require.True(t, ok)
	require.Equal(t, uint32(2), got.Slot)
}

func TestBulkLoadAndIterate(t *testing.T) {
	const n = 50000
	pairs := make([]Pair, n)
	for i := range pairs {
		pairs[i] = Pair{Key: int64(i) * 3, Ref: ref(uint32(i))}
	}
	tr := BulkLoad(DefaultConfig(), pairs)
	require.Equal(t, n, tr.NumKeys())

	for _, p := range pairs {
		got, ok := tr.Get(p.Key)
		require.True(t, ok, "key %d", p.Key)
		require.Equal(t, p.Ref, got)
	}

	// Bulk-loaded trees keep logarithmic depth.
	s := tr.Stats()
	require.LessOrEqual(t, s.Depth, 4)

	it := tr.NewIterator(30, 60, false)
	var keys []int64
	for ; it.Valid(); it.Next() {
		keys = append(keys, it.Key())
	}
	require.Equal(t, []int64{30, 33, 36, 39, 42, 45, 48, 51, 54, 57}, keys)
}

func TestTreeIteratorForwardReverse(t *testing.T) {
	tr := NewTree(DefaultConfig())
	for k := int64(0); k < 1000; k++ {
		require.NoError(t, tr.Insert(k*2, ref(uint32(k))))
	}

	var fwd []int64
	for it := tr.NewIterator(100, 120, false); it.Valid(); it.Next() {
		fwd = append(fwd, it.Key())
	}
	require.Equal(t, []int64{100, 102, 104, 106, 108, 110, 112, 114, 116, 118}, fwd)

	var rev []int64
	for it := tr.NewIterator(100, 120, true); it.Valid(); it.Next() {
		rev = append(rev, it.Key())
	}
	require.Equal(t, []int64{118, 116, 114, 112, 110, 108, 106, 104, 102, 100}, rev)

	// Empty range.
	it := tr.NewIterator(5, 5, false)
	require.False(t, it.Valid())
}

func TestTreeFullIteratorIncludesExtremes(t *testing.T) {
	tr := NewTree(DefaultConfig())
	require.NoError(t, tr.Insert(y.MinKey, ref(0)))
	require.NoError(t, tr.Insert(42, ref(1)))
	require.NoError(t, tr.Insert(y.MaxKey, ref(2)))

	var keys []int64
	for it := tr.NewFullIterator(); it.Valid(); it.Next() {
		keys = append(keys, it.Key())
	}
	require.Equal(t, []int64{y.MinKey, 42, y.MaxKey}, keys)
}

func TestTreeEpsilonInvariant(t *testing.T) {
	rnd := rand.New(rand.NewSource(5))
	cfg := DefaultConfig()
	tr := NewTree(cfg)
	seen := map[int64]bool{}
	for len(seen) < 5000 {
		k := rnd.Int63n(1 << 32)
		if seen[k] {
			continue
		}
		seen[k] = true
		require.NoError(t, tr.Insert(k, ref(0)))
	}
	// Every leaf's epsilon must honestly bound its keys' positions: Get
	// succeeding for every key via the window search proves it end to end.
	for k := range seen {
		_, ok := tr.Get(k)
		require.True(t, ok)
	}
}
