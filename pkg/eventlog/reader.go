package eventlog

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/logflow/simlog/internal/model"
	slerrors "github.com/logflow/simlog/pkg/errors"
	"github.com/logflow/simlog/pkg/ids"
)

// DefaultExtension is the file extension of uncompressed shards.
const DefaultExtension = "binpb"

// maxStepSize bounds one TimeStep frame.
const maxStepSize = 1 << 30

// ShardPath returns the path of one shard: <base>/<stream>-<shard>.<ext>.
func ShardPath(base, stream string, shard int, ext string) string {
	if ext == "" {
		ext = DefaultExtension
	}
	return filepath.Join(base, stream+"-"+strconv.Itoa(shard)+"."+ext)
}

// IsCompressed reports whether a shard path names a zstd-compressed shard.
func IsCompressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

// Options configures a Reader.
type Options struct {
	Extension  string
	BufferSize int
}

// Option mutates Options.
type Option func(*Options)

// WithExtension sets the shard file extension, e.g. "binpb.zst".
func WithExtension(ext string) Option {
	return func(o *Options) { o.Extension = ext }
}

// WithBufferSize sets the read buffer of each shard.
func WithBufferSize(n int) Option {
	return func(o *Options) { o.BufferSize = n }
}

func defaultOptions() Options {
	return Options{
		Extension:  DefaultExtension,
		BufferSize: 64 * 1024,
	}
}

// ShardStats counts what was read from one shard.
type ShardStats struct {
	Path   string
	Steps  int64
	Events int64
}

// Reader merges the shards of one event stream into a single sequence
// ordered by simulation time. Events of equal time are ordered by shard
// index, and events of one shard keep their file order.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	reg    *ids.Registry
	shards []*shard
	queue  shardQueue
	primed bool
	err    error
	closed bool
}

// Open opens shards 0..shards-1 of stream under base. Every shard must
// exist.
func Open(base, stream string, shards int, reg *ids.Registry, opts ...Option) (*Reader, error) {
	if shards < 1 {
		return nil, slerrors.Newf(slerrors.CodeDecode, "shard count must be at least 1, got %d", shards).
			WithContext("stream", stream)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	paths := make([]string, shards)
	for i := range paths {
		paths[i] = ShardPath(base, stream, i, o.Extension)
	}
	return OpenPaths(paths, reg, opts...)
}

// OpenPaths opens the given shard files in shard index order.
func OpenPaths(paths []string, reg *ids.Registry, opts ...Option) (*Reader, error) {
	if len(paths) == 0 {
		return nil, slerrors.New(slerrors.CodeDecode, "no shards to read")
	}
	if reg == nil {
		return nil, slerrors.New(slerrors.CodeRegistration, "no identifier registry")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &Reader{reg: reg}
	for i, path := range paths {
		s, err := openShard(i, path, o.BufferSize)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.shards = append(r.shards, s)
	}
	return r, nil
}

// Next returns the next event in global order, or io.EOF once every shard
// is drained. After an error, Next keeps returning it.
//
// A shard's next time step is decoded when its current step runs out, so a
// decode error can surface one event after the last good one.
func (r *Reader) Next() (model.Event, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.closed {
		return nil, slerrors.New(slerrors.CodeDecode, "read from closed event log")
	}
	if !r.primed {
		if err := r.prime(); err != nil {
			r.err = err
			return nil, err
		}
	}
	if r.queue.Len() == 0 {
		return nil, io.EOF
	}

	s := r.queue[0]
	ev := s.pending[0]
	s.pending = s.pending[1:]

	if len(s.pending) == 0 {
		err := s.load(r.reg)
		switch {
		case err == io.EOF:
			heap.Pop(&r.queue)
		case err != nil:
			// ev is still valid; the failure surfaces on the next call.
			r.err = err
		default:
			heap.Fix(&r.queue, 0)
		}
	}
	return ev, nil
}

func (r *Reader) prime() error {
	r.primed = true
	for _, s := range r.shards {
		err := s.load(r.reg)
		if err == io.EOF {
			continue
		}
		if err != nil {
			return err
		}
		r.queue = append(r.queue, s)
	}
	heap.Init(&r.queue)
	return nil
}

// Stats returns per-shard counts in shard order.
func (r *Reader) Stats() []ShardStats {
	out := make([]ShardStats, len(r.shards))
	for i, s := range r.shards {
		out[i] = ShardStats{Path: s.path, Steps: s.steps, Events: s.events}
	}
	return out
}

// Close releases every shard. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for _, s := range r.shards {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// shard is one open shard file and its current time step.
type shard struct {
	index int
	path  string
	file  *os.File
	zr    *zstd.Decoder
	br    *bufio.Reader

	offset  int64 // bytes of (decompressed) stream consumed
	frame   int64
	started bool
	time    uint32
	pending []model.Event

	steps  int64
	events int64
}

func openShard(index int, path string, bufferSize int) (*shard, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, slerrors.FileNotFound(path, err).WithContext("shard", index)
		}
		return nil, slerrors.Wrap(err, slerrors.CodeDecode, "failed to open shard").
			WithContext("path", path)
	}

	s := &shard{index: index, path: path, file: f}
	var src io.Reader = f
	if IsCompressed(path) {
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, slerrors.Wrap(err, slerrors.CodeDecode, "failed to open zstd shard").
				WithContext("path", path)
		}
		s.zr = zr
		src = zr
	}
	s.br = bufio.NewReaderSize(src, bufferSize)
	return s, nil
}

// load reads frames until one holds events, replacing pending. Empty steps
// are skipped but still take part in the time order check.
func (s *shard) load(reg *ids.Registry) error {
	for {
		frameOffset := s.offset
		length, err := binary.ReadUvarint(s.br)
		if err == io.EOF {
			return io.EOF
		}
		if err != nil {
			return s.decodeError(err, frameOffset)
		}
		if length > maxStepSize {
			return s.decodeError(fmt.Errorf("frame length %d exceeds limit", length), frameOffset)
		}

		msg := make([]byte, length)
		if _, err := io.ReadFull(s.br, msg); err != nil {
			return s.decodeError(noEOF(err), frameOffset)
		}
		s.offset += int64(uvarintLen(length)) + int64(length)

		st, err := parseStep(msg)
		if err != nil {
			return s.decodeError(err, frameOffset)
		}
		if s.started && st.time < s.time {
			return slerrors.Newf(slerrors.CodeOutOfOrder,
				"time step %d follows %d", st.time, s.time).
				WithContext("shard", s.path).
				WithContext("offset", frameOffset)
		}
		s.started = true
		s.time = st.time
		s.frame++
		s.steps++

		if len(st.events) == 0 {
			continue
		}
		events := make([]model.Event, 0, len(st.events))
		for i, raw := range st.events {
			ev, err := decodeEvent(reg, st.time, raw)
			if err != nil {
				return s.decodeError(fmt.Errorf("event %d: %w", i, err), frameOffset)
			}
			events = append(events, ev)
		}
		s.events += int64(len(events))
		s.pending = events
		return nil
	}
}

func (s *shard) decodeError(err error, offset int64) error {
	return slerrors.Wrap(err, slerrors.CodeDecode, "corrupt event record").
		WithContext("shard", s.path).
		WithContext("offset", offset).
		WithContext("frame", s.frame)
}

func (s *shard) close() error {
	if s.zr != nil {
		s.zr.Close()
	}
	return s.file.Close()
}

// shardQueue is a min-heap of shards keyed on (time, shard index).
type shardQueue []*shard

func (q shardQueue) Len() int { return len(q) }

func (q shardQueue) Less(i, j int) bool {
	if q[i].time != q[j].time {
		return q[i].time < q[j].time
	}
	return q[i].index < q[j].index
}

func (q shardQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *shardQueue) Push(x any) { *q = append(*q, x.(*shard)) }

func (q *shardQueue) Pop() any {
	old := *q
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return s
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
