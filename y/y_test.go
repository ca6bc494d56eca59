package y

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksumRoundTrip(t *testing.T) {
	data := []byte("the quick brown fox")
	for _, algo := range []ChecksumAlgo{ChecksumCRC32C, ChecksumXXHash64} {
		sum := CalculateChecksum(data, algo)
		require.NoError(t, VerifyChecksum(data, algo, sum))
		require.Error(t, VerifyChecksum(append(data, 'x'), algo, sum))
	}
}

func TestCompressRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	// Compressible data with a random tail.
	data := make([]byte, 1<<16)
	for i := range data[:1<<15] {
		data[i] = byte(i % 7)
	}
	rnd.Read(data[1<<15:])

	for _, ct := range []CompressionType{NoCompression, Snappy, ZSTD, LZ4} {
		comp, err := Compress(ct, data)
		require.NoError(t, err)
		raw, err := Decompress(ct, comp, len(data))
		require.NoError(t, err)
		require.Equal(t, data, raw)
	}
}

func TestCompressIncompressibleLZ4(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	data := make([]byte, 512)
	rnd.Read(data)
	comp, err := Compress(LZ4, data)
	require.NoError(t, err)
	raw, err := Decompress(LZ4, comp, len(data))
	require.NoError(t, err)
	require.Equal(t, data, raw)
}

func TestKeyBitsPreservesOrder(t *testing.T) {
	keys := []int64{MinKey, -1 << 40, -1, 0, 1, 1 << 40, MaxKey}
	for i := 1; i < len(keys); i++ {
		require.Less(t, KeyBits(keys[i-1]), KeyBits(keys[i]))
		require.Equal(t, keys[i], BitsKey(KeyBits(keys[i])))
	}
}
