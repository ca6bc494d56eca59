package y

import "math"

// RowRef is the stable physical address of a row: the segment that holds it
// and the slot within that segment. A RowRef stays valid for the life of its
// segment; compaction hands out fresh refs when it rewrites survivors.
type RowRef struct {
	SegID uint64
	Slot  uint32
}

// KeyFloat is the monotone numeric projection used by every learned model.
// Exact for |k| <= 2^53; monotone-approximate beyond that.
func KeyFloat(k int64) float64 {
	return float64(k)
}

// KeyBits converts a key to its on-disk u64 representation and back. The
// representation is sign-flipped so that unsigned byte order matches key
// order.
func KeyBits(k int64) uint64 {
	return uint64(k) ^ (1 << 63)
}

// BitsKey inverts KeyBits.
func BitsKey(b uint64) int64 {
	return int64(b ^ (1 << 63))
}

// MinKey and MaxKey bound the key domain.
const (
	MinKey = math.MinInt64
	MaxKey = math.MaxInt64
)
