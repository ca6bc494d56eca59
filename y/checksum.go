package y

import (
	"hash/crc32"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
)

// ErrChecksumMismatch is returned at checksum mismatch.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ChecksumAlgo selects the checksum used for segment column chunks.
type ChecksumAlgo uint8

const (
	ChecksumCRC32C ChecksumAlgo = iota
	ChecksumXXHash64
)

// CalculateChecksum calculates checksum for data using the ct checksum type.
func CalculateChecksum(data []byte, ct ChecksumAlgo) uint64 {
	switch ct {
	case ChecksumCRC32C:
		return uint64(crc32.Checksum(data, CastagnoliCrcTable))
	case ChecksumXXHash64:
		return xxhash.Sum64(data)
	default:
		panic("checksum type not supported")
	}
}

// VerifyChecksum validates the checksum for the data against the given expected checksum.
func VerifyChecksum(data []byte, ct ChecksumAlgo, expected uint64) error {
	actual := CalculateChecksum(data, ct)
	if actual != expected {
		return Wrapf(ErrChecksumMismatch, "actual: %d, expected: %d", actual, expected)
	}
	return nil
}
