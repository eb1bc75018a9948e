// Package database holds the logical database model: rows of untyped JSON
// content, the tables that group them, schema inference over row contents,
// and the in-memory SQLite engine a database is materialized into.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates how a database is backed. Only LOCAL databases, which
// are materialized entirely from stored rows, are implemented.
type Type string

const (
	TypeLocal  Type = "local"
	TypeRemote Type = "remote"
)

// ErrRemoteNotImplemented is returned for any operation against a REMOTE database.
var ErrRemoteNotImplemented = errors.New("remote databases are not implemented")

// Row is the atomic unit of persistence and schema inference.
// Content is an arbitrary JSON object. (TableID, RowID) is unique
// within a database.
type Row struct {
	Created int64           `json:"created"`
	TableID string          `json:"table_id"`
	RowID   string          `json:"row_id"`
	Content json.RawMessage `json:"content"`
}

// Table is a named group of rows. Its rows live in the row store,
// not in the table record.
type Table struct {
	Created     int64  `json:"created"`
	DatabaseID  string `json:"database_id"`
	TableID     string `json:"table_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Database is a logical database materialized on demand from its rows.
type Database struct {
	Created      int64  `json:"created"`
	DataSourceID string `json:"data_source_id"`
	DatabaseID   string `json:"database_id"`
	Name         string `json:"name"`
	Type         Type   `json:"type"`
}

// NewDatabase returns a LOCAL database.
func NewDatabase(created int64, dataSourceID, databaseID, name string) Database {
	return Database{
		Created:      created,
		DataSourceID: dataSourceID,
		DatabaseID:   databaseID,
		Name:         name,
		Type:         TypeLocal,
	}
}

// SchemaTable pairs a table with its inferred schema.
type SchemaTable struct {
	Table  Table       `json:"table"`
	Schema TableSchema `json:"schema"`
}

// DatabaseSchema maps table_id to its table record and inferred schema.
type DatabaseSchema map[string]SchemaTable

// LimitOffset bounds a paginated listing. A nil *LimitOffset means "all".
type LimitOffset struct {
	Limit  int
	Offset int
}

// SchemaSource is the slice of the row store needed to infer a database schema.
type SchemaSource interface {
	ListTables(ctx context.Context, databaseID string, lo *LimitOffset) ([]Table, int, error)
	ListRowsAllTables(ctx context.Context, databaseID string) ([]Row, error)
}

// Schema lists every table of the database and infers each table's schema
// from its rows. Tables without rows are included with an empty schema.
func (d Database) Schema(ctx context.Context, src SchemaSource) (DatabaseSchema, error) {
	if d.Type == TypeRemote {
		return nil, ErrRemoteNotImplemented
	}

	tables, _, err := src.ListTables(ctx, d.DatabaseID, nil)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	rows, err := src.ListRowsAllTables(ctx, d.DatabaseID)
	if err != nil {
		return nil, fmt.Errorf("listing rows: %w", err)
	}
	var byTable = GroupRowsByTable(rows)

	var schema = make(DatabaseSchema, len(tables))
	for _, table := range tables {
		var contents = make([]json.RawMessage, 0, len(byTable[table.TableID]))
		for _, row := range byTable[table.TableID] {
			contents = append(contents, row.Content)
		}
		inferred, err := SchemaFromRows(contents)
		if err != nil {
			return nil, fmt.Errorf("inferring schema of table %q: %w", table.TableID, err)
		}
		schema[table.TableID] = SchemaTable{Table: table, Schema: inferred}
	}
	return schema, nil
}

// GroupRowsByTable splits rows by their table_id, preserving row order
// within each table.
func GroupRowsByTable(rows []Row) map[string][]Row {
	var out = make(map[string][]Row)
	for _, row := range rows {
		out[row.TableID] = append(out[row.TableID], row)
	}
	return out
}
