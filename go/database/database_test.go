package database

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSource serves canned tables and rows.
type fakeSource struct {
	tables []Table
	rows   []Row
}

func (s *fakeSource) ListTables(context.Context, string, *LimitOffset) ([]Table, int, error) {
	return s.tables, len(s.tables), nil
}

func (s *fakeSource) ListRowsAllTables(context.Context, string) ([]Row, error) {
	return s.rows, nil
}

func TestDatabaseSchema(t *testing.T) {
	var src = &fakeSource{
		tables: []Table{
			{DatabaseID: "D", TableID: "users", Name: "users"},
			{DatabaseID: "D", TableID: "empty", Name: "empty"},
		},
		rows: []Row{
			testRow("users", "u1", `{"id": 1, "name": "alice"}`),
			testRow("users", "u2", `{"id": 2, "name": null}`),
		},
	}

	schema, err := NewDatabase(1700000000000, "ds", "D", "mydb").Schema(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, schema, 2)

	require.Equal(t, TableSchema{
		{Name: "id", Type: ColumnTypeInt},
		{Name: "name", Type: ColumnTypeText, Nullable: true},
	}, schema["users"].Schema)

	// Tables without rows are present with an empty schema.
	require.Empty(t, schema["empty"].Schema)
	require.Equal(t, "empty", schema["empty"].Table.TableID)
}

func TestGroupRowsByTable(t *testing.T) {
	var rows = []Row{
		testRow("a", "r1", `{}`),
		testRow("b", "r2", `{}`),
		testRow("a", "r3", `{}`),
	}
	var grouped = GroupRowsByTable(rows)

	require.Len(t, grouped, 2)
	require.Equal(t, []string{"r1", "r3"}, []string{grouped["a"][0].RowID, grouped["a"][1].RowID})
	require.Equal(t, "r2", grouped["b"][0].RowID)
}

func TestRowJSONShape(t *testing.T) {
	var row = Row{Created: 1700000000123, TableID: "t", RowID: "r1", Content: json.RawMessage(`{"a": 1}`)}

	encoded, err := json.Marshal(row)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"created": 1700000000123,
		"table_id": "t",
		"row_id": "r1",
		"content": {"a": 1}
	}`, string(encoded))

	var decoded Row
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, row.RowID, decoded.RowID)
	require.JSONEq(t, string(row.Content), string(decoded.Content))
}
