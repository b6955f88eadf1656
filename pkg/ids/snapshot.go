package ids

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
	"google.golang.org/protobuf/encoding/protowire"

	slerrors "github.com/logflow/simlog/pkg/errors"
)

// Snapshot layout: a sequence of frames, each a varint length followed by an
// IdsWithType message:
//
//	message IdsWithType {
//	  uint64 type_id = 1;
//	  oneof data {
//	    bytes raw = 2;
//	    bytes lz4_data = 3;  // LZ4 frame
//	  }
//	}
//
// The (decompressed) data is a run of length-delimited strings; the position
// of a string is its handle.
const (
	fieldTypeID  protowire.Number = 1
	fieldRaw     protowire.Number = 2
	fieldLZ4Data protowire.Number = 3
)

// maxFrameSize bounds a single snapshot frame so a corrupt length prefix
// cannot trigger an enormous allocation.
const maxFrameSize = 1 << 30

// Compression selects how Write stores each category's strings.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
)

// String returns the compression name.
func (c Compression) String() string {
	switch c {
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// ParseCompression parses a compression name. Unknown names map to none.
func ParseCompression(s string) Compression {
	if s == "lz4" {
		return CompressionLZ4
	}
	return CompressionNone
}

// Load reads a snapshot file. A missing or corrupt snapshot is a fatal
// startup error.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, slerrors.FileNotFound(path, err)
		}
		return nil, slerrors.Wrap(err, slerrors.CodeSnapshot, "failed to open id snapshot").
			WithContext("path", path)
	}
	defer f.Close()

	reg, err := Read(f)
	if err != nil {
		return nil, slerrors.Wrap(err, slerrors.CodeSnapshot, "failed to read id snapshot").
			WithContext("path", path)
	}
	return reg, nil
}

// Read decodes a snapshot stream into a new registry.
func Read(r io.Reader) (*Registry, error) {
	br := bufio.NewReader(r)
	reg := New()

	for frame := 0; ; frame++ {
		length, err := binary.ReadUvarint(br)
		if err == io.EOF {
			return reg, nil
		}
		if err != nil {
			return nil, fmt.Errorf("frame %d: length prefix: %w", frame, err)
		}
		if length > maxFrameSize {
			return nil, fmt.Errorf("frame %d: length %d exceeds limit", frame, length)
		}

		msg := make([]byte, length)
		if _, err := io.ReadFull(br, msg); err != nil {
			return nil, fmt.Errorf("frame %d: %w", frame, noEOF(err))
		}

		category, data, ok, err := decodeFrame(msg)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", frame, err)
		}
		if !ok {
			continue
		}

		external, err := decodeStrings(data)
		if err != nil {
			return nil, fmt.Errorf("frame %d (%s): %w", frame, category, err)
		}
		if err := reg.setTable(category, external); err != nil {
			return nil, fmt.Errorf("frame %d: %w", frame, err)
		}
	}
}

// decodeFrame returns the category and the uncompressed string data of one
// IdsWithType message. ok is false for a frame without data.
func decodeFrame(msg []byte) (Category, []byte, bool, error) {
	var (
		category   Category
		haveType   bool
		data       []byte
		haveData   bool
		compressed bool
	)

	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return 0, nil, false, protowire.ParseError(n)
		}
		msg = msg[n:]

		switch {
		case num == fieldTypeID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return 0, nil, false, protowire.ParseError(n)
			}
			category, haveType = Category(v), true
			msg = msg[n:]
		case (num == fieldRaw || num == fieldLZ4Data) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return 0, nil, false, protowire.ParseError(n)
			}
			data, haveData, compressed = v, true, num == fieldLZ4Data
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return 0, nil, false, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}

	if !haveType {
		return 0, nil, false, errors.New("missing type_id")
	}
	if !haveData {
		return category, nil, false, nil
	}
	if compressed {
		raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return 0, nil, false, fmt.Errorf("lz4 decompress %s: %w", category, err)
		}
		data = raw
	}
	return category, data, true, nil
}

func decodeStrings(data []byte) ([]string, error) {
	var out []string
	for len(data) > 0 {
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("string %d: %w", len(out), protowire.ParseError(n))
		}
		out = append(out, string(v))
		data = data[n:]
	}
	return out, nil
}

// Write encodes the registry as a snapshot, one frame per category in
// ascending category order.
func (r *Registry) Write(w io.Writer, compression Compression) error {
	for _, category := range r.Categories() {
		var data []byte
		for _, s := range r.externals(category) {
			data = protowire.AppendString(data, s)
		}

		field := fieldRaw
		if compression == CompressionLZ4 {
			var buf bytes.Buffer
			zw := lz4.NewWriter(&buf)
			if _, err := zw.Write(data); err != nil {
				return fmt.Errorf("lz4 compress %s: %w", category, err)
			}
			if err := zw.Close(); err != nil {
				return fmt.Errorf("lz4 compress %s: %w", category, err)
			}
			data, field = buf.Bytes(), fieldLZ4Data
		}

		var msg []byte
		msg = protowire.AppendTag(msg, fieldTypeID, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(category))
		msg = protowire.AppendTag(msg, field, protowire.BytesType)
		msg = protowire.AppendBytes(msg, data)

		frame := protowire.AppendVarint(nil, uint64(len(msg)))
		frame = append(frame, msg...)
		if _, err := w.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

// Save writes the registry snapshot to path, replacing any existing file.
func (r *Registry) Save(path string, compression Compression) error {
	f, err := os.Create(path)
	if err != nil {
		return slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to create id snapshot").
			WithContext("path", path)
	}

	bw := bufio.NewWriter(f)
	if err := r.Write(bw, compression); err != nil {
		f.Close()
		return slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to write id snapshot").
			WithContext("path", path)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to flush id snapshot").
			WithContext("path", path)
	}
	return f.Close()
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
