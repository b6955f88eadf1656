package eventlog

import (
	"bufio"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/logflow/simlog/internal/model"
	slerrors "github.com/logflow/simlog/pkg/errors"
)

// Writer encodes time steps into one shard.
type Writer struct {
	w    io.Writer
	bw   *bufio.Writer
	zw   *zstd.Encoder
	file *os.File
	path string

	buf     []byte
	started bool
	last    uint32

	steps  int64
	events int64
}

// NewWriter returns a Writer that encodes into w without compression.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Create creates or truncates the shard file at path. Paths ending in ".zst"
// are zstd-compressed.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to create shard").
			WithContext("path", path)
	}

	w := &Writer{file: f, path: path}
	w.bw = bufio.NewWriter(f)
	w.w = w.bw
	if IsCompressed(path) {
		zw, err := zstd.NewWriter(w.bw)
		if err != nil {
			f.Close()
			return nil, slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to start zstd shard").
				WithContext("path", path)
		}
		w.zw = zw
		w.w = zw
	}
	return w, nil
}

// WriteStep appends one time step. Every event must carry the step's time,
// and step times must not decrease.
func (w *Writer) WriteStep(time uint32, events ...model.Event) error {
	if w.started && time < w.last {
		return slerrors.Newf(slerrors.CodeOutOfOrder, "time step %d written after %d", time, w.last).
			WithContext("path", w.path)
	}

	var err error
	w.buf, err = appendStep(w.buf[:0], time, events)
	if err != nil {
		return slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to encode time step").
			WithContext("path", w.path)
	}
	if _, err := w.w.Write(w.buf); err != nil {
		return slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to write time step").
			WithContext("path", w.path)
	}

	w.started = true
	w.last = time
	w.steps++
	w.events += int64(len(events))
	return nil
}

// Stats returns the steps and events written so far.
func (w *Writer) Stats() ShardStats {
	return ShardStats{Path: w.path, Steps: w.steps, Events: w.events}
}

// Close flushes and closes the shard. For a Writer from NewWriter it only
// flushes.
func (w *Writer) Close() error {
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			w.closeFile()
			return slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to finish zstd shard").
				WithContext("path", w.path)
		}
	}
	if w.bw != nil {
		if err := w.bw.Flush(); err != nil {
			w.closeFile()
			return slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to flush shard").
				WithContext("path", w.path)
		}
	}
	return w.closeFile()
}

func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	return f.Close()
}
