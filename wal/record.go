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

package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/omendb/omen/y"
)

// Op enumerates WAL record types.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpCommit
	OpCheckpointBegin
	OpCheckpointEnd
)

// Record layout, big-endian:
//
//	u32 length | u64 lsn | u32 crc32c | u8 op | u64 txn_id | payload
//
// length counts everything after itself; crc32c covers lsn through the end
// of the payload (i.e. everything the length counts except the crc field).
const (
	recordHeaderSize = 4 + 8 + 4 + 1 + 8
	maxRecordSize    = 64 << 20
)

// ErrBadRecord is returned for CRC mismatches, truncation and bogus lengths.
var ErrBadRecord = errors.New("corrupt wal record")

// Record is one decoded WAL record.
type Record struct {
	LSN     uint64
	Op      Op
	TxnID   uint64
	Payload []byte
}

// InsertPayload is the decoded body of an OpInsert record.
type InsertPayload struct {
	TableID uint8
	Key     int64
	RowData []byte
}

// CheckpointEndPayload is the decoded body of an OpCheckpointEnd record.
type CheckpointEndPayload struct {
	SegID   uint64
	LSNHigh uint64
	TableID uint8
}

func encodeRecord(dst []byte, lsn uint64, op Op, txn uint64, payload []byte) []byte {
	total := recordHeaderSize + len(payload)
	off := len(dst)
	dst = append(dst, make([]byte, total)...)
	b := dst[off:]
	binary.BigEndian.PutUint32(b[0:4], uint32(total-4))
	binary.BigEndian.PutUint64(b[4:12], lsn)
	b[16] = byte(op)
	binary.BigEndian.PutUint64(b[17:25], txn)
	copy(b[25:], payload)
	// crc32c over lsn..end, with the crc field skipped.
	h := crc32.New(y.CastagnoliCrcTable)
	h.Write(b[4:12])
	h.Write(b[16:])
	binary.BigEndian.PutUint32(b[12:16], h.Sum32())
	return dst
}

// decodeRecord parses one record from buf. It returns the record, the number
// of bytes consumed, or ErrBadRecord when the bytes cannot be a whole intact
// record (torn tail, corrupt crc, absurd length).
func decodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < recordHeaderSize {
		return Record{}, 0, y.Wrapf(ErrBadRecord, "short header: %d bytes", len(buf))
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length < recordHeaderSize-4 || length > maxRecordSize {
		return Record{}, 0, y.Wrapf(ErrBadRecord, "bad length %d", length)
	}
	total := int(length) + 4
	if len(buf) < total {
		return Record{}, 0, y.Wrapf(ErrBadRecord, "truncated: want %d bytes, have %d", total, len(buf))
	}
	b := buf[:total]
	want := binary.BigEndian.Uint32(b[12:16])
	h := crc32.New(y.CastagnoliCrcTable)
	h.Write(b[4:12])
	h.Write(b[16:])
	if h.Sum32() != want {
		return Record{}, 0, y.Wrapf(ErrBadRecord, "crc mismatch")
	}
	rec := Record{
		LSN:     binary.BigEndian.Uint64(b[4:12]),
		Op:      Op(b[16]),
		TxnID:   binary.BigEndian.Uint64(b[17:25]),
		Payload: append([]byte(nil), b[25:total]...),
	}
	return rec, total, nil
}

// EncodeInsertPayload lays out `u8 table_id | u64 key_bits | u32 row_len |
// row_bytes`.
func EncodeInsertPayload(tableID uint8, key int64, rowData []byte) []byte {
	out := make([]byte, 1+8+4+len(rowData))
	out[0] = tableID
	binary.BigEndian.PutUint64(out[1:9], y.KeyBits(key))
	binary.BigEndian.PutUint32(out[9:13], uint32(len(rowData)))
	copy(out[13:], rowData)
	return out
}

// DecodeInsertPayload inverts EncodeInsertPayload.
func DecodeInsertPayload(p []byte) (InsertPayload, error) {
	if len(p) < 13 {
		return InsertPayload{}, y.Wrapf(ErrBadRecord, "short insert payload")
	}
	n := binary.BigEndian.Uint32(p[9:13])
	if uint32(len(p)-13) != n {
		return InsertPayload{}, y.Wrapf(ErrBadRecord, "insert payload row length %d != %d", n, len(p)-13)
	}
	return InsertPayload{
		TableID: p[0],
		Key:     y.BitsKey(binary.BigEndian.Uint64(p[1:9])),
		RowData: p[13:],
	}, nil
}

// EncodeCheckpointBeginPayload carries the WAL low-water mark.
func EncodeCheckpointBeginPayload(lsnLow uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, lsnLow)
	return out
}

// DecodeCheckpointBeginPayload inverts EncodeCheckpointBeginPayload.
func DecodeCheckpointBeginPayload(p []byte) (uint64, error) {
	if len(p) != 8 {
		return 0, y.Wrapf(ErrBadRecord, "short checkpoint-begin payload")
	}
	return binary.BigEndian.Uint64(p), nil
}

// EncodeCheckpointEndPayload carries the flushed segment id, the highest LSN
// the segment covers, and the owning table.
func EncodeCheckpointEndPayload(segID, lsnHigh uint64, tableID uint8) []byte {
	out := make([]byte, 17)
	binary.BigEndian.PutUint64(out[0:8], segID)
	binary.BigEndian.PutUint64(out[8:16], lsnHigh)
	out[16] = tableID
	return out
}

// DecodeCheckpointEndPayload inverts EncodeCheckpointEndPayload.
func DecodeCheckpointEndPayload(p []byte) (CheckpointEndPayload, error) {
	if len(p) != 17 {
		return CheckpointEndPayload{}, y.Wrapf(ErrBadRecord, "short checkpoint-end payload")
	}
	return CheckpointEndPayload{
		SegID:   binary.BigEndian.Uint64(p[0:8]),
		LSNHigh: binary.BigEndian.Uint64(p[8:16]),
		TableID: p[16],
	}, nil
}
