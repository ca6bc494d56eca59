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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testSchema() *Schema {
	return &Schema{
		ID: 1,
		Cols: []Column{
			{Name: "id", Type: TypeInt},
			{Name: "score", Type: TypeFloat},
			{Name: "active", Type: TypeBool},
			{Name: "name", Type: TypeText},
			{Name: "created", Type: TypeTimestamp},
		},
	}
}

func testRow(i int64) Row {
	return Row{
		IntValue(i),
		FloatValue(float64(i) * 1.5),
		BoolValue(i%2 == 0),
		TextValue("name-" + string(rune('a'+i%26))),
		TimeValue(1700000000000000 + i),
	}
}

func TestSchemaValidate(t *testing.T) {
	s := testSchema()
	require.NoError(t, s.Validate(testRow(1)))

	short := testRow(1)[:3]
	err := s.Validate(short)
	require.Equal(t, ErrSchemaMismatch, errors.Cause(err))

	wrong := testRow(1)
	wrong[0] = TextValue("not an int")
	err = s.Validate(wrong)
	require.Equal(t, ErrSchemaMismatch, errors.Cause(err))
}

func TestRowCodecRoundTrip(t *testing.T) {
	s := testSchema()
	for i := int64(0); i < 50; i++ {
		row := testRow(i)
		data := s.EncodeRow(row)
		got, err := s.DecodeRow(data)
		require.NoError(t, err)
		require.Equal(t, row, got)
	}
}

func TestRowCodecEmptyText(t *testing.T) {
	s := &Schema{ID: 2, Cols: []Column{{Name: "t", Type: TypeText}}}
	row := Row{TextValue("")}
	got, err := s.DecodeRow(s.EncodeRow(row))
	require.NoError(t, err)
	require.Equal(t, row, got)
}

func TestRowCodecTruncated(t *testing.T) {
	s := testSchema()
	data := s.EncodeRow(testRow(3))
	_, err := s.DecodeRow(data[:len(data)-2])
	require.Error(t, err)
	_, err = s.DecodeRow(append(data, 0xAA))
	require.Error(t, err)
}

func TestStagingRoundTrip(t *testing.T) {
	s := testSchema()
	st := NewStaging(s)
	for i := int64(0); i < 100; i++ {
		slot := st.Append(testRow(i))
		require.Equal(t, uint32(i), slot)
	}
	require.Equal(t, 100, st.Rows())
	require.Greater(t, st.Bytes(), int64(0))
	for i := int64(0); i < 100; i++ {
		require.Equal(t, testRow(i), st.Row(uint32(i)))
	}
}
