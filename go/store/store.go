// Package store persists database rows and table records in an authoritative
// relational row store, keyed by (database_id, table_id).
package store

import (
	"context"
	"fmt"

	"github.com/openfleet/sqlite-worker/go/database"
)

// DatabasesStore is the capability interface over the row store. The worker
// depends only on this; tests swap in a fake.
type DatabasesStore interface {
	// BatchUpsert merges rows into (databaseID, tableID). With truncate, all
	// existing rows of the table are deleted first, atomically from the
	// viewpoint of external observers. Without it, a row whose row_id exists
	// replaces the old content and new row_ids are appended.
	BatchUpsert(ctx context.Context, databaseID, tableID string, rows []database.Row, truncate bool) error
	// ListRows returns the table's rows plus the total count before pagination.
	ListRows(ctx context.Context, databaseID, tableID string, lo *database.LimitOffset) ([]database.Row, int, error)
	// ListTables returns the database's table records plus the total count.
	ListTables(ctx context.Context, databaseID string, lo *database.LimitOffset) ([]database.Table, int, error)
	// ListRowsAllTables returns every row of the database, for materialization.
	ListRowsAllTables(ctx context.Context, databaseID string) ([]database.Row, error)
}

// StorageError is a non-transient row store failure. Transient connection
// errors are retried inside the adapter and only surface wrapped in a
// StorageError once retries are exhausted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("row store %s: %s", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
