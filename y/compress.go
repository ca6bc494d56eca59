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

package y

import (
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// CompressionType specifies how a column chunk is compressed on disk.
type CompressionType uint8

const (
	// NoCompression mode indicates that a chunk is not compressed.
	NoCompression CompressionType = iota
	// Snappy mode indicates that a chunk is compressed using Snappy algorithm.
	Snappy
	// ZSTD mode indicates that a chunk is compressed using ZSTD algorithm.
	ZSTD
	// LZ4 mode indicates that a chunk is compressed using LZ4 algorithm.
	LZ4
)

var (
	zstdDec *zstd.Decoder
	zstdEnc *zstd.Encoder

	zstdEncOnce, zstdDecOnce sync.Once
)

// Compress compresses src using the given compression type.
func Compress(ct CompressionType, src []byte) ([]byte, error) {
	switch ct {
	case NoCompression:
		return src, nil
	case Snappy:
		return snappy.Encode(nil, src), nil
	case ZSTD:
		zstdEncOnce.Do(func() {
			var err error
			zstdEnc, err = zstd.NewWriter(nil, zstd.WithZeroFrames(true),
				zstd.WithEncoderCRC(false))
			AssertTrue(err == nil)
		})
		return zstdEnc.EncodeAll(src, nil), nil
	case LZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		var c lz4.Compressor
		n, err := c.CompressBlock(src, dst)
		if err != nil {
			return nil, err
		}
		if n == 0 || n >= len(src) {
			// Incompressible. LZ4 block format has no raw marker, so keep
			// the source bytes as they are; Decompress recognizes them by
			// their length being equal to rawLen.
			return src, nil
		}
		return dst[:n], nil
	}
	return nil, errors.Errorf("Unsupported compression type: %d", ct)
}

// Decompress decompresses src into a buffer of rawLen bytes.
func Decompress(ct CompressionType, src []byte, rawLen int) ([]byte, error) {
	switch ct {
	case NoCompression:
		return src, nil
	case Snappy:
		return snappy.Decode(nil, src)
	case ZSTD:
		zstdDecOnce.Do(func() {
			var err error
			zstdDec, err = zstd.NewReader(nil)
			AssertTrue(err == nil)
		})
		return zstdDec.DecodeAll(src, nil)
	case LZ4:
		if len(src) == rawLen {
			// Stored raw, see Compress.
			return src, nil
		}
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	}
	return nil, errors.Errorf("Unsupported compression type: %d", ct)
}
