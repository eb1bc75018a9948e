package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// Engine wraps an in-memory SQLite database materialized from the rows of
// one logical database. It is exclusively owned by the registry; queries
// borrow it under the registry's locking discipline.
type Engine struct {
	databaseID string
	db         *sql.DB
	// pin holds one connection open for the engine's lifetime. A shared-cache
	// in-memory database is dropped when its last connection closes, so the
	// pool must never be allowed to go idle-empty.
	pin *sql.Conn
}

// ResultColumn describes one column of a query result set.
type ResultColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QueryResult is a serialized result set: the result schema plus rows as
// JSON objects keyed by the column alias.
type QueryResult struct {
	Schema []ResultColumn           `json:"schema"`
	Rows   []map[string]interface{} `json:"rows"`
}

// engineSeq distinguishes the shared-cache DSNs of concurrently live engines.
var engineSeq atomic.Uint64

// SQLite is fickle about raced opens of a newly created database, often
// returning "database is locked" errors. Serializing sql.Open resolves it.
var sqliteOpenMu sync.Mutex

// MaterializeEngine creates a fresh in-memory engine, issues one CREATE TABLE
// per table from its inferred schema, and bulk-inserts the table's rows.
// Values are coerced per the inferred column type; a value that cannot be
// coerced is inserted as NULL with a warning, so schema drift never takes
// down the whole materialization.
func MaterializeEngine(ctx context.Context, databaseID string, tables []Table, rowsByTable map[string][]Row) (*Engine, error) {
	var dsn = fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", engineSeq.Add(1))

	sqliteOpenMu.Lock()
	db, err := sql.Open("sqlite3", dsn)
	if err == nil {
		err = db.PingContext(ctx)
	}
	sqliteOpenMu.Unlock()
	if err != nil {
		return nil, &MaterializationError{DatabaseID: databaseID, Err: fmt.Errorf("opening engine: %w", err)}
	}

	pin, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, &MaterializationError{DatabaseID: databaseID, Err: fmt.Errorf("pinning connection: %w", err)}
	}
	var e = &Engine{databaseID: databaseID, db: db, pin: pin}

	for _, table := range tables {
		if err := e.loadTable(ctx, table, rowsByTable[table.TableID]); err != nil {
			e.Close()
			return nil, &MaterializationError{DatabaseID: databaseID, Err: err}
		}
	}
	return e, nil
}

// loadTable creates and populates one table. Tables whose rows yield an
// empty schema are skipped: SQLite cannot create a zero-column table, and
// there is nothing to query in one anyway.
func (e *Engine) loadTable(ctx context.Context, table Table, rows []Row) error {
	var contents = make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		contents = append(contents, row.Content)
	}
	schema, err := SchemaFromRows(contents)
	if err != nil {
		return fmt.Errorf("inferring schema of table %q: %w", table.TableID, err)
	}
	if len(schema) == 0 {
		return nil
	}

	if _, err := e.pin.ExecContext(ctx, schema.CreateTableSQL(table.TableID)); err != nil {
		return fmt.Errorf("creating table %q: %w", table.TableID, err)
	}

	tx, err := e.pin.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, schema.InsertSQL(table.TableID))
	if err != nil {
		return fmt.Errorf("preparing insert for table %q: %w", table.TableID, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		params, err := e.rowParams(schema, table.TableID, row)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, params...); err != nil {
			return fmt.Errorf("inserting row %q into table %q: %w", row.RowID, table.TableID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing inserts of table %q: %w", table.TableID, err)
	}
	return nil
}

// rowParams maps a row's content onto the schema's column order, coercing
// each value to its column type. Missing keys and uncoercible values bind
// as NULL.
func (e *Engine) rowParams(schema TableSchema, tableID string, row Row) ([]interface{}, error) {
	var values = make(map[string]interface{}, len(schema))
	if err := scanObject(row.Content, func(key string, value interface{}) {
		values[key] = value
	}); err != nil {
		return nil, fmt.Errorf("decoding row %q of table %q: %w", row.RowID, tableID, err)
	}

	var params = make([]interface{}, 0, len(schema))
	for _, col := range schema {
		coerced, ok := CoerceValue(col, values[col.Name])
		if !ok {
			log.WithFields(log.Fields{
				"database": e.databaseID,
				"table":    tableID,
				"row":      row.RowID,
				"column":   col.Name,
				"type":     col.Type,
			}).Warn("value not coercible to column type, inserting NULL")
			coerced = nil
		}
		params = append(params, coerced)
	}
	return params, nil
}

// Query executes a single read-only statement against the engine, bounded
// by the given wall-clock timeout. Write statements fail with
// QueryError(readonly_violation).
func (e *Engine) Query(ctx context.Context, query string, timeout time.Duration) (QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return QueryResult{}, classifyQueryError(ctx, err)
	}
	defer conn.Close()

	// The query path is strictly read-only: mutations flow only through the
	// row-upsert path, which rebuilds the engine.
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only=ON;"); err != nil {
		return QueryResult{}, classifyQueryError(ctx, err)
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return QueryResult{}, classifyQueryError(ctx, err)
	}
	defer rows.Close()

	result, err := serializeRows(rows)
	if err != nil {
		return QueryResult{}, classifyQueryError(ctx, err)
	}
	return result, nil
}

// serializeRows converts a result set into JSON-ready columns and row objects.
func serializeRows(rows *sql.Rows) (QueryResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return QueryResult{}, fmt.Errorf("reading result columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return QueryResult{}, fmt.Errorf("reading result column types: %w", err)
	}

	var result = QueryResult{
		Schema: make([]ResultColumn, 0, len(columns)),
		Rows:   []map[string]interface{}{},
	}
	for i, name := range columns {
		result.Schema = append(result.Schema, ResultColumn{
			Name: name,
			Type: strings.ToLower(types[i].DatabaseTypeName()),
		})
	}

	for rows.Next() {
		var scanned = make([]interface{}, len(columns))
		var pointers = make([]interface{}, len(columns))
		for i := range scanned {
			pointers[i] = &scanned[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return QueryResult{}, fmt.Errorf("scanning result row: %w", err)
		}

		var object = make(map[string]interface{}, len(columns))
		for i, name := range columns {
			if b, ok := scanned[i].([]byte); ok {
				object[name] = string(b)
			} else {
				object[name] = scanned[i]
			}
		}
		result.Rows = append(result.Rows, object)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, err
	}
	return result, nil
}

// classifyQueryError maps a failure into a QueryError subkind.
func classifyQueryError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &QueryError{Kind: QueryErrorTimeout, Err: err}
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrReadonly:
			return &QueryError{Kind: QueryErrorReadonly, Err: err}
		case sqliteErr.Code == sqlite3.ErrError && strings.Contains(err.Error(), "syntax error"):
			return &QueryError{Kind: QueryErrorSyntax, Err: err}
		}
	}
	return &QueryError{Kind: QueryErrorRuntime, Err: err}
}

// Close releases the engine's memory immediately.
func (e *Engine) Close() {
	if e.pin != nil {
		_ = e.pin.Close()
	}
	if err := e.db.Close(); err != nil {
		log.WithFields(log.Fields{"database": e.databaseID, "err": err}).
			Error("failed to close engine")
	}
}
