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

package omen

import (
	"github.com/pkg/errors"

	"github.com/omendb/omen/segment"
	"github.com/omendb/omen/wal"
)

// ErrKeyConflict is returned when an insert carries a primary key that
// already exists. The store is unchanged and no WAL record is written.
var ErrKeyConflict = errors.New("Key conflict: primary key already exists")

// ErrSchemaMismatch is returned when a row does not match the table schema.
var ErrSchemaMismatch = segment.ErrSchemaMismatch

// ErrTimeout is returned when the insert deadline expired before the WAL
// append. Once the commit record is appended the deadline is ignored.
var ErrTimeout = errors.New("Insert deadline expired before commit")

// ErrCorrupt is returned for CRC mismatches, bad magic, truncated records
// and malformed footers.
var ErrCorrupt = errors.New("Corrupt data encountered")

// ErrClosed is returned when a handle is used after Close.
var ErrClosed = errors.New("Store has been closed")

// ErrWounded is returned for writes after an fsync failure at commit; the
// store stays readable but accepts no writes until reopened.
var ErrWounded = errors.New("Store is read-only after a commit fsync failure")

// ErrReadOnly is returned for writes on a store opened with ReadOnly set.
var ErrReadOnly = errors.New("Store was opened read-only")

// ErrUnknownTable is returned when an operation names an unregistered table.
var ErrUnknownTable = errors.New("Unknown table")

// ErrInvalidRange is returned when a range request has hi < lo.
var ErrInvalidRange = errors.New("Invalid range: hi < lo")

// Kind is the stable error classification surfaced to callers.
type Kind int

const (
	KindOther Kind = iota
	KindKeyConflict
	KindSchemaMismatch
	KindTimeout
	KindIo
	KindCorrupt
	KindClosed
)

// ErrKind maps an error returned by this package to its stable kind. Io is
// the fallback for wrapped operating system failures.
func ErrKind(err error) Kind {
	if err == nil {
		return KindOther
	}
	switch errors.Cause(err) {
	case ErrKeyConflict:
		return KindKeyConflict
	case ErrSchemaMismatch, segment.ErrSchemaMismatch:
		return KindSchemaMismatch
	case ErrTimeout:
		return KindTimeout
	case ErrClosed:
		return KindClosed
	case ErrCorrupt, segment.ErrCorrupt, wal.ErrBadRecord:
		return KindCorrupt
	}
	return KindIo
}
