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

// Staging is the mutable segment's row store: rows land here in insert
// order, column-buffered so a checkpoint flush is a near-copy into the
// columnar file. Slots index into it and never move; ordering lives in the
// learned index, not here.
type Staging struct {
	schema *Schema
	cols   []colVec
	rows   int
	bytes  int64
}

type colVec struct {
	ints   []int64 // TypeInt, TypeTimestamp
	floats []float64
	bools  []bool
	texts  []string
}

// NewStaging returns an empty staging area for the schema.
func NewStaging(schema *Schema) *Staging {
	return &Staging{
		schema: schema,
		cols:   make([]colVec, len(schema.Cols)),
	}
}

// Append stores one validated row and returns its slot.
func (st *Staging) Append(row Row) uint32 {
	for i, v := range row {
		c := &st.cols[i]
		switch v.Kind {
		case TypeInt, TypeTimestamp:
			c.ints = append(c.ints, v.Int)
			st.bytes += 8
		case TypeFloat:
			c.floats = append(c.floats, v.Float)
			st.bytes += 8
		case TypeBool:
			c.bools = append(c.bools, v.Bool)
			st.bytes++
		case TypeText:
			c.texts = append(c.texts, v.Text)
			st.bytes += int64(4 + len(v.Text))
		}
	}
	slot := uint32(st.rows)
	st.rows++
	return slot
}

// Row materializes the row stored at slot.
func (st *Staging) Row(slot uint32) Row {
	row := make(Row, len(st.schema.Cols))
	for i, col := range st.schema.Cols {
		c := &st.cols[i]
		switch col.Type {
		case TypeInt:
			row[i] = IntValue(c.ints[slot])
		case TypeTimestamp:
			row[i] = TimeValue(c.ints[slot])
		case TypeFloat:
			row[i] = FloatValue(c.floats[slot])
		case TypeBool:
			row[i] = BoolValue(c.bools[slot])
		case TypeText:
			row[i] = TextValue(c.texts[slot])
		}
	}
	return row
}

// Rows returns the number of staged rows.
func (st *Staging) Rows() int { return st.rows }

// Bytes returns the approximate staged payload size, used for the
// checkpoint-threshold backpressure signal.
func (st *Staging) Bytes() int64 { return st.bytes }

// Schema returns the bound schema.
func (st *Staging) Schema() *Schema { return st.schema }
