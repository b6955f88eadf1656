// Package engine runs DuckDB queries over written replay tables.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	slerrors "github.com/logflow/simlog/pkg/errors"
)

// Engine executes SQL queries using an in-memory DuckDB.
type Engine struct {
	db      *sql.DB
	threads int
}

// NewEngine creates a new query engine.
func NewEngine() (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
	}

	e := &Engine{
		db:      db,
		threads: runtime.NumCPU(),
	}
	if _, err := e.db.Exec(fmt.Sprintf("SET threads=%d", e.threads)); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure DuckDB: %w", err)
	}
	return e, nil
}

// Close closes the engine.
func (e *Engine) Close() error {
	return e.db.Close()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func ident(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// RegisterTable exposes a written table file as a view named name. CSV and
// Parquet files are read in place; a DuckDB file is attached read-only and
// its first table is used.
func (e *Engine) RegisterTable(ctx context.Context, name, path string) error {
	var source string
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		source = fmt.Sprintf("read_csv_auto(%s, header=true)", quote(path))
	case ".parquet":
		source = fmt.Sprintf("read_parquet(%s)", quote(path))
	case ".duckdb":
		alias := ident("src_" + name)
		if _, err := e.db.ExecContext(ctx, fmt.Sprintf("ATTACH %s AS %s (READ_ONLY)", quote(path), alias)); err != nil {
			return slerrors.FileNotFound(path, err)
		}
		var table string
		err := e.db.QueryRowContext(ctx,
			"SELECT table_name FROM duckdb_tables() WHERE database_name = ? ORDER BY table_name LIMIT 1",
			"src_"+name).Scan(&table)
		if err != nil {
			return fmt.Errorf("no table in %s: %w", path, err)
		}
		source = alias + "." + ident(table)
	default:
		return fmt.Errorf("cannot query %s: unsupported table format %q", path, ext)
	}

	query := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s", ident(name), source)
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("register %s: %w", path, err)
	}
	return nil
}

// Query executes a SQL query and returns results.
func (e *Engine) Query(ctx context.Context, sql string, args ...any) (*Result, error) {
	start := time.Now()

	rows, err := e.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	return &Result{
		rows:     rows,
		columns:  cols,
		duration: time.Since(start),
	}, nil
}

// ActivityTypeSummary aggregates the activity table for one activity type.
type ActivityTypeSummary struct {
	ActivityType string
	Activities   int64
	Persons      int64
	MeanDuration float64
	MinDuration  int64
	MaxDuration  int64
}

// SummarizeActivities groups a registered activity table by activity type.
func (e *Engine) SummarizeActivities(ctx context.Context, table string) ([]ActivityTypeSummary, error) {
	query := fmt.Sprintf(`
		SELECT
			coalesce(CAST(activity_type AS VARCHAR), '') AS activity_type,
			count(*)                                      AS activities,
			count(DISTINCT person)                        AS persons,
			avg(duration)                                 AS mean_duration,
			CAST(min(duration) AS BIGINT)                 AS min_duration,
			CAST(max(duration) AS BIGINT)                 AS max_duration
		FROM %s
		GROUP BY 1
		ORDER BY 1`, ident(table))

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("summarize %s: %w", table, err)
	}
	defer rows.Close()

	var out []ActivityTypeSummary
	for rows.Next() {
		var s ActivityTypeSummary
		if err := rows.Scan(&s.ActivityType, &s.Activities, &s.Persons,
			&s.MeanDuration, &s.MinDuration, &s.MaxDuration); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Result represents query results.
type Result struct {
	rows     *sql.Rows
	columns  []string
	duration time.Duration
	rowCount int64
}

// Columns returns column names.
func (r *Result) Columns() []string {
	return r.columns
}

// Duration returns query duration.
func (r *Result) Duration() time.Duration {
	return r.duration
}

// Next advances to the next row.
func (r *Result) Next() bool {
	if r.rows.Next() {
		r.rowCount++
		return true
	}
	return false
}

// Scan scans the current row.
func (r *Result) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}

// Close closes the result set.
func (r *Result) Close() error {
	return r.rows.Close()
}

// RowCount returns rows scanned so far.
func (r *Result) RowCount() int64 {
	return r.rowCount
}

// Strings reads the remaining rows as formatted strings and closes the result.
func (r *Result) Strings() ([][]string, error) {
	defer r.Close()

	values := make([]any, len(r.columns))
	ptrs := make([]any, len(r.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	var out [][]string
	for r.Next() {
		if err := r.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(values))
		for i, v := range values {
			if v != nil {
				row[i] = fmt.Sprint(v)
			}
		}
		out = append(out, row)
	}
	return out, r.rows.Err()
}
