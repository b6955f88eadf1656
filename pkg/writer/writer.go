// Package writer writes analysis tables to CSV, Parquet, XLSX or DuckDB.
package writer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	slerrors "github.com/logflow/simlog/pkg/errors"
)

// ColumnType is the value type of a table column.
type ColumnType uint8

const (
	String ColumnType = iota
	Int64
	Float64
)

// String returns the column type name.
func (t ColumnType) String() string {
	switch t {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	default:
		return "string"
	}
}

// Column is one named, typed column.
type Column struct {
	Name string
	Type ColumnType
}

// Schema is the ordered column list of a table.
type Schema []Column

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// check verifies that values match the schema. Values are string, int64 or
// float64 according to the column type.
func (s Schema) check(values []any) error {
	if len(values) != len(s) {
		return fmt.Errorf("row has %d values, schema has %d columns", len(values), len(s))
	}
	for i, v := range values {
		ok := false
		switch s[i].Type {
		case String:
			_, ok = v.(string)
		case Int64:
			_, ok = v.(int64)
		case Float64:
			_, ok = v.(float64)
		}
		if !ok {
			return fmt.Errorf("column %q: %T is not %s", s[i].Name, v, s[i].Type)
		}
	}
	return nil
}

// Writer writes the rows of one table. Rows must match the schema the
// writer was created with.
type Writer interface {
	// WriteRow writes one row.
	WriteRow(values ...any) error

	// Close flushes buffered rows and releases resources.
	Close() error

	// RowsWritten returns the number of rows written so far.
	RowsWritten() int64
}

// Format is an output table format.
type Format uint8

const (
	FormatCSV Format = iota
	FormatParquet
	FormatXLSX
	FormatDuckDB
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatParquet:
		return "parquet"
	case FormatXLSX:
		return "xlsx"
	case FormatDuckDB:
		return "duckdb"
	default:
		return "csv"
	}
}

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "csv":
		return FormatCSV, nil
	case "parquet":
		return FormatParquet, nil
	case "xlsx":
		return FormatXLSX, nil
	case "duckdb":
		return FormatDuckDB, nil
	default:
		return FormatCSV, fmt.Errorf("unknown output format %q", s)
	}
}

// Extension returns the file extension for the format, without a dot.
func (f Format) Extension() string {
	return f.String()
}

// FormatFromPath picks the format from a file extension. Unknown
// extensions are CSV.
func FormatFromPath(path string) Format {
	f, err := ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return FormatCSV
	}
	return f
}

// CompressionType represents Parquet compression options.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionGzip
	CompressionZstd
	CompressionLZ4
)

// String returns the compression type name.
func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// ParseCompression parses a compression type string.
func ParseCompression(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "gzip":
		return CompressionGzip
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// Config holds writer configuration.
type Config struct {
	// Format overrides detection from the file extension when set.
	Format string

	// BatchSize is the number of rows per Arrow record batch or DuckDB
	// transaction.
	BatchSize int

	// Compression for Parquet output.
	Compression CompressionType

	// Table names the DuckDB table and the XLSX sheet.
	Table string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:   8192,
		Compression: CompressionSnappy,
		Table:       "data",
	}
}

// Opener creates the writer for a table once its schema is known.
type Opener func(schema Schema) (Writer, error)

// FileOpener returns an Opener that creates path, replacing any existing
// file.
func FileOpener(path string, cfg Config) Opener {
	return func(schema Schema) (Writer, error) {
		return Create(path, schema, cfg)
	}
}

// Create creates a table file at path. The format comes from cfg.Format or
// else from the extension.
func Create(path string, schema Schema, cfg Config) (Writer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Table == "" {
		cfg.Table = DefaultConfig().Table
	}
	format := FormatFromPath(path)
	if cfg.Format != "" {
		f, err := ParseFormat(cfg.Format)
		if err != nil {
			return nil, writeFailed(err, "invalid output format", path)
		}
		format = f
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, writeFailed(err, "failed to create output directory", path)
		}
	}

	if format == FormatDuckDB {
		// DuckDB refuses to open a file that is not a database.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, writeFailed(err, "failed to replace output", path)
		}
		w, err := NewDuckDBWriter(path, schema, cfg)
		if err != nil {
			return nil, writeFailed(err, "failed to create duckdb output", path)
		}
		return w, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, writeFailed(err, "failed to create output", path)
	}

	var w Writer
	switch format {
	case FormatParquet:
		w, err = NewParquetWriter(f, schema, cfg)
	case FormatXLSX:
		w, err = NewXLSXWriter(f, schema, cfg)
	default:
		w, err = NewCSVWriter(f, schema)
	}
	if err != nil {
		f.Close()
		return nil, writeFailed(err, "failed to create "+format.String()+" output", path)
	}
	return &fileWriter{Writer: w, file: f, path: path}, nil
}

// fileWriter closes the underlying file after the format writer.
type fileWriter struct {
	Writer
	file *os.File
	path string
}

func (w *fileWriter) WriteRow(values ...any) error {
	if err := w.Writer.WriteRow(values...); err != nil {
		return writeFailed(err, "failed to write row", w.path)
	}
	return nil
}

func (w *fileWriter) Close() error {
	err := w.Writer.Close()
	// The parquet writer closes its sink itself.
	if cerr := w.file.Close(); err == nil && !errors.Is(cerr, os.ErrClosed) {
		err = cerr
	}
	if err != nil {
		return writeFailed(err, "failed to close output", w.path)
	}
	return nil
}

func writeFailed(err error, message, path string) error {
	return slerrors.Wrap(err, slerrors.CodeWriteFailed, message).WithContext("path", path)
}

var errClosed = errors.New("writer is closed")
