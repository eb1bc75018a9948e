package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openfleet/sqlite-worker/go/database"
	log "github.com/sirupsen/logrus"
)

// Retry policy for transient connection failures.
const (
	retryAttempts       = 3
	retryInitialBackoff = time.Second
	retryBackoffFactor  = 2
	retryBackoffCap     = 8 * time.Second
)

// Postgres implements DatabasesStore over a Postgres row store.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ DatabasesStore = (*Postgres)(nil)

// NewPostgres dials the row store and verifies connectivity.
func NewPostgres(ctx context.Context, uri string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("parsing row store URI: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging row store: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Init creates the row store schema if it does not exist.
func (s *Postgres) Init(ctx context.Context) error {
	var ddl = `
	CREATE TABLE IF NOT EXISTS databases_tables (
		created     BIGINT NOT NULL,
		database_id TEXT NOT NULL,
		table_id    TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT NOT NULL,
		PRIMARY KEY (database_id, table_id)
	);
	CREATE TABLE IF NOT EXISTS databases_rows (
		created     BIGINT NOT NULL,
		database_id TEXT NOT NULL,
		table_id    TEXT NOT NULL,
		row_id      TEXT NOT NULL,
		content     JSONB NOT NULL,
		PRIMARY KEY (database_id, table_id, row_id)
	);
	CREATE INDEX IF NOT EXISTS idx_databases_rows_database
		ON databases_rows (database_id);
	`
	return s.withRetry(ctx, "init", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, ddl)
		return err
	})
}

// Close releases the connection pool.
func (s *Postgres) Close() { s.pool.Close() }

func (s *Postgres) BatchUpsert(ctx context.Context, databaseID, tableID string, rows []database.Row, truncate bool) error {
	return s.withRetry(ctx, "batch_upsert", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if truncate {
				if _, err := tx.Exec(ctx,
					`DELETE FROM databases_rows WHERE database_id = $1 AND table_id = $2`,
					databaseID, tableID,
				); err != nil {
					return fmt.Errorf("truncating table: %w", err)
				}
			}

			var batch = &pgx.Batch{}
			for _, row := range rows {
				batch.Queue(`
					INSERT INTO databases_rows (created, database_id, table_id, row_id, content)
						VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (database_id, table_id, row_id)
						DO UPDATE SET created = EXCLUDED.created, content = EXCLUDED.content`,
					row.Created, databaseID, tableID, row.RowID, []byte(row.Content),
				)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("upserting %d rows: %w", len(rows), err)
			}
			return nil
		})
	})
}

func (s *Postgres) ListRows(ctx context.Context, databaseID, tableID string, lo *database.LimitOffset) (out []database.Row, total int, err error) {
	err = s.withRetry(ctx, "list_rows", func(ctx context.Context) error {
		out, total = nil, 0

		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM databases_rows WHERE database_id = $1 AND table_id = $2`,
			databaseID, tableID,
		).Scan(&total); err != nil {
			return fmt.Errorf("counting rows: %w", err)
		}

		var q = `
			SELECT created, table_id, row_id, content FROM databases_rows
				WHERE database_id = $1 AND table_id = $2
				ORDER BY created ASC, row_id ASC`
		var args = []interface{}{databaseID, tableID}
		if lo != nil {
			q += ` LIMIT $3 OFFSET $4`
			args = append(args, lo.Limit, lo.Offset)
		}

		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("selecting rows: %w", err)
		}
		out, err = scanRows(rows)
		return err
	})
	return out, total, err
}

func (s *Postgres) ListTables(ctx context.Context, databaseID string, lo *database.LimitOffset) (out []database.Table, total int, err error) {
	err = s.withRetry(ctx, "list_tables", func(ctx context.Context) error {
		out, total = nil, 0

		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM databases_tables WHERE database_id = $1`,
			databaseID,
		).Scan(&total); err != nil {
			return fmt.Errorf("counting tables: %w", err)
		}

		var q = `
			SELECT created, database_id, table_id, name, description FROM databases_tables
				WHERE database_id = $1
				ORDER BY created ASC, table_id ASC`
		var args = []interface{}{databaseID}
		if lo != nil {
			q += ` LIMIT $2 OFFSET $3`
			args = append(args, lo.Limit, lo.Offset)
		}

		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("selecting tables: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var t database.Table
			if err := rows.Scan(&t.Created, &t.DatabaseID, &t.TableID, &t.Name, &t.Description); err != nil {
				return fmt.Errorf("scanning table: %w", err)
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, total, err
}

func (s *Postgres) ListRowsAllTables(ctx context.Context, databaseID string) (out []database.Row, err error) {
	err = s.withRetry(ctx, "list_rows_all_tables", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT created, table_id, row_id, content FROM databases_rows
				WHERE database_id = $1
				ORDER BY table_id ASC, created ASC, row_id ASC`,
			databaseID,
		)
		if err != nil {
			return fmt.Errorf("selecting rows: %w", err)
		}
		out, err = scanRows(rows)
		return err
	})
	return out, err
}

// UpsertTable records a table of a database. Not part of DatabasesStore:
// table records are written by the control plane, the worker only reads them.
func (s *Postgres) UpsertTable(ctx context.Context, table database.Table) error {
	return s.withRetry(ctx, "upsert_table", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO databases_tables (created, database_id, table_id, name, description)
				VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (database_id, table_id)
				DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description`,
			table.Created, table.DatabaseID, table.TableID, table.Name, table.Description,
		)
		return err
	})
}

func scanRows(rows pgx.Rows) ([]database.Row, error) {
	defer rows.Close()

	var out []database.Row
	for rows.Next() {
		var r database.Row
		var content []byte
		if err := rows.Scan(&r.Created, &r.TableID, &r.RowID, &content); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r.Content = content
		out = append(out, r)
	}
	return out, rows.Err()
}

// withRetry runs op, retrying transient connection failures with bounded
// exponential backoff. Non-transient errors surface immediately as a
// StorageError.
func (s *Postgres) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var backoff = retryInitialBackoff
	var lastErr error

	for attempt := 0; attempt < retryAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return &StorageError{Op: op, Err: lastErr}
		}
		log.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"backoff": backoff,
			"err":     lastErr,
		}).Warn("transient row store error, retrying")

		select {
		case <-ctx.Done():
			return &StorageError{Op: op, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		if backoff *= retryBackoffFactor; backoff > retryBackoffCap {
			backoff = retryBackoffCap
		}
	}
	return &StorageError{Op: op, Err: lastErr}
}

// isTransient reports whether an error is worth retrying: a severed or
// refused connection, as opposed to a SQL-level failure.
func isTransient(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exceptions.
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	return false
}
