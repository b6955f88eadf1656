package writer

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
)

// DuckDBWriter writes rows into a table of a DuckDB database file.
type DuckDBWriter struct {
	cfg    Config
	schema Schema
	path   string
	db     *sql.DB
	stmt   *sql.Stmt

	batch            [][]any
	totalRowsWritten int64
	closed           bool
}

func duckdbType(t ColumnType) string {
	switch t {
	case Int64:
		return "BIGINT"
	case Float64:
		return "DOUBLE"
	default:
		return "VARCHAR"
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// NewDuckDBWriter creates the database file at path with one table named
// cfg.Table.
func NewDuckDBWriter(path string, schema Schema, cfg Config) (*DuckDBWriter, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Table == "" {
		cfg.Table = DefaultConfig().Table
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	cols := make([]string, len(schema))
	marks := make([]string, len(schema))
	for i, c := range schema {
		cols[i] = quoteIdent(c.Name) + " " + duckdbType(c.Type) + " NOT NULL"
		marks[i] = "?"
	}
	table := quoteIdent(cfg.Table)

	if _, err := db.Exec(fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(cols, ", "))); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	stmt, err := db.Prepare(fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, strings.Join(marks, ", ")))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}

	return &DuckDBWriter{
		cfg:    cfg,
		schema: schema,
		path:   path,
		db:     db,
		stmt:   stmt,
		batch:  make([][]any, 0, cfg.BatchSize),
	}, nil
}

// WriteRow implements Writer.
func (w *DuckDBWriter) WriteRow(values ...any) error {
	if w.closed {
		return errClosed
	}
	if err := w.schema.check(values); err != nil {
		return writeFailed(err, "failed to write row", w.path)
	}

	row := make([]any, len(values))
	copy(row, values)
	w.batch = append(w.batch, row)

	if len(w.batch) >= w.cfg.BatchSize {
		if err := w.flushBatch(); err != nil {
			return writeFailed(err, "failed to write rows", w.path)
		}
	}
	return nil
}

// flushBatch inserts the pending rows in one transaction.
func (w *DuckDBWriter) flushBatch() error {
	if len(w.batch) == 0 {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt := tx.Stmt(w.stmt)
	for _, row := range w.batch {
		if _, err := stmt.Exec(row...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	w.totalRowsWritten += int64(len(w.batch))
	w.batch = w.batch[:0]
	return nil
}

// Close inserts remaining rows and closes the database.
func (w *DuckDBWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.flushBatch()
	w.stmt.Close()
	if cerr := w.db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return writeFailed(err, "failed to close duckdb output", w.path)
	}
	return nil
}

// RowsWritten implements Writer.
func (w *DuckDBWriter) RowsWritten() int64 {
	return w.totalRowsWritten + int64(len(w.batch))
}
