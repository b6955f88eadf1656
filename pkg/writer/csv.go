package writer

import (
	"encoding/csv"
	"io"
	"strconv"
)

// CSVWriter writes a header line followed by one record per row.
type CSVWriter struct {
	schema Schema
	w      *csv.Writer
	record []string
	rows   int64
	closed bool
}

// NewCSVWriter creates a CSV writer and writes the header.
func NewCSVWriter(output io.Writer, schema Schema) (*CSVWriter, error) {
	w := &CSVWriter{
		schema: schema,
		w:      csv.NewWriter(output),
		record: make([]string, len(schema)),
	}
	if err := w.w.Write(schema.Names()); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteRow implements Writer.
func (w *CSVWriter) WriteRow(values ...any) error {
	if w.closed {
		return errClosed
	}
	if err := w.schema.check(values); err != nil {
		return err
	}

	for i, v := range values {
		switch v := v.(type) {
		case string:
			w.record[i] = v
		case int64:
			w.record[i] = strconv.FormatInt(v, 10)
		case float64:
			w.record[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	if err := w.w.Write(w.record); err != nil {
		return err
	}
	w.rows++
	return nil
}

// Close flushes buffered records.
func (w *CSVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.w.Flush()
	return w.w.Error()
}

// RowsWritten implements Writer.
func (w *CSVWriter) RowsWritten() int64 { return w.rows }
