package writer

import (
	"fmt"
	"io"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

// ParquetWriter writes rows to Parquet through Arrow record batches.
type ParquetWriter struct {
	cfg    Config
	schema Schema

	writer  *pqarrow.FileWriter
	builder *array.RecordBuilder

	rowCount         int
	totalRowsWritten int64
	closed           bool
}

// arrowSchema maps a table schema onto Arrow types.
func arrowSchema(schema Schema) *arrow.Schema {
	fields := make([]arrow.Field, len(schema))
	for i, c := range schema {
		var typ arrow.DataType
		switch c.Type {
		case Int64:
			typ = arrow.PrimitiveTypes.Int64
		case Float64:
			typ = arrow.PrimitiveTypes.Float64
		default:
			typ = arrow.BinaryTypes.String
		}
		fields[i] = arrow.Field{Name: c.Name, Type: typ, Nullable: false}
	}
	return arrow.NewSchema(fields, nil)
}

func parquetCodec(c CompressionType) compress.Compression {
	switch c {
	case CompressionSnappy:
		return compress.Codecs.Snappy
	case CompressionGzip:
		return compress.Codecs.Gzip
	case CompressionZstd:
		return compress.Codecs.Zstd
	case CompressionLZ4:
		return compress.Codecs.Lz4
	default:
		return compress.Codecs.Uncompressed
	}
}

// NewParquetWriter creates a Parquet writer on output.
func NewParquetWriter(output io.Writer, schema Schema, cfg Config) (*ParquetWriter, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	allocator := memory.NewGoAllocator()
	as := arrowSchema(schema)

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(parquetCodec(cfg.Compression)),
		parquet.WithDictionaryDefault(true),
		parquet.WithDataPageSize(1024*1024),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
	)

	fw, err := pqarrow.NewFileWriter(as, output, writerProps, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	b := array.NewRecordBuilder(allocator, as)
	b.Reserve(cfg.BatchSize)

	return &ParquetWriter{
		cfg:     cfg,
		schema:  schema,
		writer:  fw,
		builder: b,
	}, nil
}

// WriteRow implements Writer.
func (w *ParquetWriter) WriteRow(values ...any) error {
	if w.closed {
		return errClosed
	}
	if err := w.schema.check(values); err != nil {
		return err
	}

	for i, v := range values {
		switch v := v.(type) {
		case string:
			w.builder.Field(i).(*array.StringBuilder).Append(v)
		case int64:
			w.builder.Field(i).(*array.Int64Builder).Append(v)
		case float64:
			w.builder.Field(i).(*array.Float64Builder).Append(v)
		}
	}
	w.rowCount++

	if w.rowCount >= w.cfg.BatchSize {
		return w.flushBatch()
	}
	return nil
}

// flushBatch writes the current batch to Parquet.
func (w *ParquetWriter) flushBatch() error {
	if w.rowCount == 0 {
		return nil
	}

	batch := w.builder.NewRecord()
	defer batch.Release()

	if err := w.writer.Write(batch); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}

	w.totalRowsWritten += int64(w.rowCount)
	w.rowCount = 0
	return nil
}

// Close flushes remaining rows and writes the Parquet footer.
func (w *ParquetWriter) Close() error {
	if w.closed {
		return nil
	}

	if err := w.flushBatch(); err != nil {
		return err
	}
	w.closed = true
	w.builder.Release()

	// A table without rows still gets a schema-only file.
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// RowsWritten implements Writer.
func (w *ParquetWriter) RowsWritten() int64 {
	return w.totalRowsWritten + int64(w.rowCount)
}
