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

package segment

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ColumnType enumerates the typed columns a schema may carry.
type ColumnType uint8

const (
	TypeInt ColumnType = iota
	TypeFloat
	TypeBool
	TypeText
	TypeTimestamp
)

// ErrSchemaMismatch is returned when a row does not fit its table's schema.
var ErrSchemaMismatch = errors.New("row does not match schema")

// Column is one typed column of a schema.
type Column struct {
	Name string
	Type ColumnType
}

// Schema binds a table to its column layout. Schemas are registered at table
// creation and immutable afterwards.
type Schema struct {
	ID   uint32
	Cols []Column
}

// Value is one typed cell. Kind selects which field is meaningful; Int also
// carries Timestamp (unix micros).
type Value struct {
	Kind  ColumnType
	Int   int64
	Float float64
	Bool  bool
	Text  string
}

// Row is a tuple of cells in schema column order.
type Row []Value

// IntValue, FloatValue, BoolValue, TextValue and TimeValue build cells.
func IntValue(v int64) Value      { return Value{Kind: TypeInt, Int: v} }
func FloatValue(v float64) Value  { return Value{Kind: TypeFloat, Float: v} }
func BoolValue(v bool) Value      { return Value{Kind: TypeBool, Bool: v} }
func TextValue(v string) Value    { return Value{Kind: TypeText, Text: v} }
func TimeValue(micros int64) Value {
	return Value{Kind: TypeTimestamp, Int: micros}
}

// Validate checks that row matches the schema.
func (s *Schema) Validate(row Row) error {
	if len(row) != len(s.Cols) {
		return errors.Wrapf(ErrSchemaMismatch, "got %d columns, schema %d has %d",
			len(row), s.ID, len(s.Cols))
	}
	for i, v := range row {
		if v.Kind != s.Cols[i].Type {
			return errors.Wrapf(ErrSchemaMismatch, "column %q: got type %d, want %d",
				s.Cols[i].Name, v.Kind, s.Cols[i].Type)
		}
	}
	return nil
}

// EncodeRow flattens a row into the byte form carried by WAL records and the
// staging area. Big-endian, column order; text is u32 length prefixed.
func (s *Schema) EncodeRow(row Row) []byte {
	var size int
	for _, v := range row {
		switch v.Kind {
		case TypeBool:
			size++
		case TypeText:
			size += 4 + len(v.Text)
		default:
			size += 8
		}
	}
	out := make([]byte, 0, size)
	var scratch [8]byte
	for _, v := range row {
		switch v.Kind {
		case TypeInt, TypeTimestamp:
			binary.BigEndian.PutUint64(scratch[:], uint64(v.Int))
			out = append(out, scratch[:]...)
		case TypeFloat:
			binary.BigEndian.PutUint64(scratch[:], math.Float64bits(v.Float))
			out = append(out, scratch[:]...)
		case TypeBool:
			if v.Bool {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		case TypeText:
			binary.BigEndian.PutUint32(scratch[:4], uint32(len(v.Text)))
			out = append(out, scratch[:4]...)
			out = append(out, v.Text...)
		}
	}
	return out
}

// DecodeRow inverts EncodeRow against this schema.
func (s *Schema) DecodeRow(data []byte) (Row, error) {
	row := make(Row, 0, len(s.Cols))
	for _, col := range s.Cols {
		switch col.Type {
		case TypeInt, TypeTimestamp:
			if len(data) < 8 {
				return nil, errors.Wrapf(ErrSchemaMismatch, "truncated row at column %q", col.Name)
			}
			v := int64(binary.BigEndian.Uint64(data))
			data = data[8:]
			if col.Type == TypeInt {
				row = append(row, IntValue(v))
			} else {
				row = append(row, TimeValue(v))
			}
		case TypeFloat:
			if len(data) < 8 {
				return nil, errors.Wrapf(ErrSchemaMismatch, "truncated row at column %q", col.Name)
			}
			row = append(row, FloatValue(math.Float64frombits(binary.BigEndian.Uint64(data))))
			data = data[8:]
		case TypeBool:
			if len(data) < 1 {
				return nil, errors.Wrapf(ErrSchemaMismatch, "truncated row at column %q", col.Name)
			}
			row = append(row, BoolValue(data[0] != 0))
			data = data[1:]
		case TypeText:
			if len(data) < 4 {
				return nil, errors.Wrapf(ErrSchemaMismatch, "truncated row at column %q", col.Name)
			}
			n := binary.BigEndian.Uint32(data)
			data = data[4:]
			if uint32(len(data)) < n {
				return nil, errors.Wrapf(ErrSchemaMismatch, "truncated text at column %q", col.Name)
			}
			row = append(row, TextValue(string(data[:n])))
			data = data[n:]
		}
	}
	if len(data) != 0 {
		return nil, errors.Wrapf(ErrSchemaMismatch, "%d trailing row bytes", len(data))
	}
	return row, nil
}
