// Package manifest records what a replay read and wrote.
package manifest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	slerrors "github.com/logflow/simlog/pkg/errors"
)

// FileName is the manifest's name inside the output directory.
const FileName = "manifest.yaml"

// Manifest describes one replay run.
type Manifest struct {
	RunID     string        `yaml:"run_id"`
	CreatedAt time.Time     `yaml:"created_at"`
	Duration  time.Duration `yaml:"duration"`
	Inputs    Inputs        `yaml:"inputs"`
	Events    Events        `yaml:"events"`
	Outputs   []Output      `yaml:"outputs"`
}

// Inputs lists the files a run read.
type Inputs struct {
	IDs    string  `yaml:"ids"`
	Stream string  `yaml:"stream"`
	Shards []Shard `yaml:"shards"`
}

// Shard is one event shard and what was read from it.
type Shard struct {
	Path   string `yaml:"path"`
	Steps  int64  `yaml:"steps"`
	Events int64  `yaml:"events"`
}

// Events counts dispatched events.
type Events struct {
	Total  int64            `yaml:"total"`
	ByKind map[string]int64 `yaml:"by_kind"`
}

// Output is one written table.
type Output struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
	Rows   int64  `yaml:"rows"`
	Bytes  int64  `yaml:"bytes"`
	BLAKE3 string `yaml:"blake3"`
}

// New starts a manifest with a fresh run id.
func New() *Manifest {
	return &Manifest{
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Events:    Events{ByKind: make(map[string]int64)},
	}
}

// Digest returns the hex BLAKE3 digest and size of a file.
func Digest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// AddOutput digests a written table and records it.
func (m *Manifest) AddOutput(name, path, format string, rows int64) error {
	sum, size, err := Digest(path)
	if err != nil {
		return slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to digest output").
			WithContext("path", path)
	}
	m.Outputs = append(m.Outputs, Output{
		Name:   name,
		Path:   path,
		Format: format,
		Rows:   rows,
		Bytes:  size,
		BLAKE3: sum,
	})
	return nil
}

// Write stores the manifest as YAML at path.
func (m *Manifest) Write(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to encode manifest")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to create manifest directory").
			WithContext("path", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return slerrors.Wrap(err, slerrors.CodeWriteFailed, "failed to write manifest").
			WithContext("path", path)
	}
	return nil
}

// Read loads a manifest.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, slerrors.FileNotFound(path, err)
		}
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return &m, nil
}

// Verify re-digests every output and reports the ones that differ.
func (m *Manifest) Verify() error {
	var errs []error
	for _, out := range m.Outputs {
		sum, _, err := Digest(out.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", out.Name, err))
			continue
		}
		if sum != out.BLAKE3 {
			errs = append(errs, fmt.Errorf("%s: digest %s, manifest has %s", out.Name, sum, out.BLAKE3))
		}
	}
	return errors.Join(errs...)
}
