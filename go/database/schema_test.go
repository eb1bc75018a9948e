package database

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func rawRows(contents ...string) []json.RawMessage {
	var out = make([]json.RawMessage, 0, len(contents))
	for _, c := range contents {
		out = append(out, json.RawMessage(c))
	}
	return out
}

func TestSchemaColumnOrderIsFirstAppearance(t *testing.T) {
	schema, err := SchemaFromRows(rawRows(
		`{"b": 1, "a": "x"}`,
		`{"c": true, "a": "y"}`,
		`{"d": 2}`,
	))
	require.NoError(t, err)

	require.Equal(t, TableSchema{
		{Name: "b", Type: ColumnTypeInt, Nullable: true},
		{Name: "a", Type: ColumnTypeText, Nullable: true},
		{Name: "c", Type: ColumnTypeBool, Nullable: true},
		{Name: "d", Type: ColumnTypeInt, Nullable: true},
	}, schema)
}

func TestSchemaPromotionLattice(t *testing.T) {
	var cases = []struct {
		name     string
		contents []json.RawMessage
		expect   Column
	}{
		{"int and int", rawRows(`{"x": 1}`, `{"x": 2}`), Column{Name: "x", Type: ColumnTypeInt}},
		{"int and real", rawRows(`{"x": 1}`, `{"x": 2.5}`), Column{Name: "x", Type: ColumnTypeReal}},
		{"int real and null", rawRows(`{"x": 1}`, `{"x": 2.0}`, `{"x": null}`), Column{Name: "x", Type: ColumnTypeReal, Nullable: true}},
		{"bool and bool", rawRows(`{"x": true}`, `{"x": false}`), Column{Name: "x", Type: ColumnTypeBool}},
		{"bool and int", rawRows(`{"x": true}`, `{"x": 1}`), Column{Name: "x", Type: ColumnTypeInt}},
		{"bool and real", rawRows(`{"x": true}`, `{"x": 1.5}`), Column{Name: "x", Type: ColumnTypeReal}},
		{"string and int", rawRows(`{"x": "a"}`, `{"x": 1}`), Column{Name: "x", Type: ColumnTypeText}},
		{"object", rawRows(`{"x": {"nested": 1}}`), Column{Name: "x", Type: ColumnTypeText}},
		{"array and bool", rawRows(`{"x": [1, 2]}`, `{"x": true}`), Column{Name: "x", Type: ColumnTypeText}},
		{"null only", rawRows(`{"x": null}`, `{"x": null}`), Column{Name: "x", Type: ColumnTypeText, Nullable: true}},
		{"missing key is nullable", rawRows(`{"x": 1}`, `{}`), Column{Name: "x", Type: ColumnTypeInt, Nullable: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			schema, err := SchemaFromRows(tc.contents)
			require.NoError(t, err)
			require.Equal(t, TableSchema{tc.expect}, schema)
		})
	}
}

func TestSchemaEmptyInput(t *testing.T) {
	schema, err := SchemaFromRows(nil)
	require.NoError(t, err)
	require.Empty(t, schema)
}

func TestSchemaLargeIntegersStayInt(t *testing.T) {
	// Exact int64 values beyond float64 precision must not degrade to real.
	schema, err := SchemaFromRows(rawRows(`{"x": 9007199254740993}`))
	require.NoError(t, err)
	require.Equal(t, TableSchema{{Name: "x", Type: ColumnTypeInt}}, schema)
}

func TestSchemaDeterministicUnderReordering(t *testing.T) {
	// Permutations preserving the first-appearance order of every key
	// infer byte-identical schemas.
	var a = rawRows(`{"x": 1, "y": "s"}`, `{"x": 2.5}`, `{"x": true, "z": 1}`)
	var b = rawRows(`{"x": 1, "y": "s"}`, `{"x": true, "z": 1}`, `{"x": 2.5}`)

	schemaA, err := SchemaFromRows(a)
	require.NoError(t, err)
	schemaB, err := SchemaFromRows(b)
	require.NoError(t, err)

	require.Equal(t, schemaA, schemaB)

	jsonA, err := json.Marshal(schemaA)
	require.NoError(t, err)
	jsonB, err := json.Marshal(schemaB)
	require.NoError(t, err)
	require.Equal(t, jsonA, jsonB)
}

func TestSchemaRejectsNonObjectContent(t *testing.T) {
	_, err := SchemaFromRows(rawRows(`[1, 2]`))
	require.Error(t, err)
}

func TestCreateTableSQL(t *testing.T) {
	var schema = TableSchema{
		{Name: "id", Type: ColumnTypeInt},
		{Name: "name", Type: ColumnTypeText, Nullable: true},
		{Name: `we"ird`, Type: ColumnTypeBool},
	}
	require.Equal(t,
		`CREATE TABLE "t1" ("id" INTEGER NOT NULL, "name" TEXT, "we""ird" BOOLEAN NOT NULL);`,
		schema.CreateTableSQL("t1"))
	require.Equal(t,
		`INSERT INTO "t1" ("id", "name", "we""ird") VALUES (?, ?, ?);`,
		schema.InsertSQL("t1"))
}

func TestCoerceValue(t *testing.T) {
	var intCol = Column{Name: "x", Type: ColumnTypeInt}
	var realCol = Column{Name: "x", Type: ColumnTypeReal}
	var boolCol = Column{Name: "x", Type: ColumnTypeBool}
	var textCol = Column{Name: "x", Type: ColumnTypeText}

	v, ok := CoerceValue(intCol, json.Number("42"))
	require.True(t, ok)
	require.Equal(t, int64(42), v)

	v, ok = CoerceValue(intCol, true)
	require.True(t, ok)
	require.Equal(t, int64(1), v)

	_, ok = CoerceValue(intCol, json.Number("2.5"))
	require.False(t, ok)

	v, ok = CoerceValue(realCol, json.Number("2.5"))
	require.True(t, ok)
	require.Equal(t, 2.5, v)

	v, ok = CoerceValue(realCol, false)
	require.True(t, ok)
	require.Equal(t, float64(0), v)

	_, ok = CoerceValue(boolCol, json.Number("1"))
	require.False(t, ok)

	v, ok = CoerceValue(textCol, "plain")
	require.True(t, ok)
	require.Equal(t, "plain", v)

	v, ok = CoerceValue(textCol, map[string]interface{}{"a": json.Number("1")})
	require.True(t, ok)
	require.Equal(t, `{"a":1}`, v)

	v, ok = CoerceValue(textCol, nil)
	require.True(t, ok)
	require.Nil(t, v)
}
