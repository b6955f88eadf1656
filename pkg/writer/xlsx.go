package writer

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// XLSXWriter streams rows into a single worksheet. The workbook is written
// to the output on Close.
type XLSXWriter struct {
	schema Schema
	output io.Writer
	file   *excelize.File
	stream *excelize.StreamWriter
	row    int
	rows   int64
	closed bool
}

// NewXLSXWriter creates a workbook with one sheet named after cfg.Table and
// writes the header row.
func NewXLSXWriter(output io.Writer, schema Schema, cfg Config) (*XLSXWriter, error) {
	sheet := cfg.Table
	if sheet == "" {
		sheet = DefaultConfig().Table
	}
	if len(sheet) > 31 {
		sheet = sheet[:31]
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open sheet stream: %w", err)
	}

	w := &XLSXWriter{schema: schema, output: output, file: f, stream: sw}

	header := make([]interface{}, len(schema))
	for i, c := range schema {
		header[i] = c.Name
	}
	if err := w.setRow(header); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *XLSXWriter) setRow(values []interface{}) error {
	w.row++
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		return err
	}
	return w.stream.SetRow(cell, values)
}

// WriteRow implements Writer.
func (w *XLSXWriter) WriteRow(values ...any) error {
	if w.closed {
		return errClosed
	}
	if err := w.schema.check(values); err != nil {
		return err
	}
	if err := w.setRow(values); err != nil {
		return err
	}
	w.rows++
	return nil
}

// Close finishes the sheet and writes the workbook.
func (w *XLSXWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.file.Close()

	if err := w.stream.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}
	if err := w.file.Write(w.output); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// RowsWritten implements Writer.
func (w *XLSXWriter) RowsWritten() int64 { return w.rows }
