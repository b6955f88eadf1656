// Package pipe orchestrates replay jobs: it loads the identifier snapshot,
// merges the event shards of a run through the bus into the configured
// analyses and records what was written.
package pipe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/logflow/simlog/internal/model"
	"github.com/logflow/simlog/pkg/analysis"
	"github.com/logflow/simlog/pkg/config"
	slerrors "github.com/logflow/simlog/pkg/errors"
	"github.com/logflow/simlog/pkg/eventlog"
	"github.com/logflow/simlog/pkg/events"
	"github.com/logflow/simlog/pkg/ids"
	"github.com/logflow/simlog/pkg/manifest"
	"github.com/logflow/simlog/pkg/storage/s3"
	"github.com/logflow/simlog/pkg/telemetry"
	"github.com/logflow/simlog/pkg/watch"
	"github.com/logflow/simlog/pkg/writer"
)

// IDsPattern matches identifier snapshots inside a run directory.
const IDsPattern = "*.ids.binpb*"

// Uploader stores a run's files remotely.
type Uploader interface {
	UploadFiles(ctx context.Context, runID string, files ...string) ([]s3.Upload, error)
}

// Job replays one run directory.
type Job struct {
	Config *config.Config
	Logger *slog.Logger

	// OnEvent, when set, observes every dispatched event before the
	// analyses see it.
	OnEvent events.Handler

	// Uploader receives the outputs and the manifest when set.
	Uploader Uploader
}

// Output is one written table.
type Output struct {
	Name   string
	Path   string
	Format string
	Rows   int64
}

// Result describes a finished job.
type Result struct {
	RunID    string
	IDs      string
	Events   events.Stats
	Shards   []eventlog.ShardStats
	Outputs  []Output
	Manifest string
	Uploads  []s3.Upload
	Duration time.Duration
}

// ByKind returns the event counts keyed by kind name.
func (r *Result) ByKind() map[string]int64 {
	out := make(map[string]int64, len(r.Events.ByKind))
	for k, n := range r.Events.ByKind {
		out[k.String()] = n
	}
	return out
}

// FindIDs returns the identifier snapshot in dir. Exactly one file must
// match IDsPattern.
func FindIDs(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, IDsPattern))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", slerrors.FileNotFound(filepath.Join(dir, IDsPattern), os.ErrNotExist)
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", slerrors.New(slerrors.CodeSnapshot, "more than one identifier snapshot").
			WithContext("dir", dir).
			WithContext("matches", matches)
	}
}

// Run executes the job.
func (j *Job) Run(ctx context.Context) (*Result, error) {
	cfg := j.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := j.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("run", cfg.Input.Dir)

	start := time.Now()
	shardPaths := make([]string, cfg.Input.Shards)
	for i := range shardPaths {
		shardPaths[i] = eventlog.ShardPath(cfg.Input.Dir, cfg.Input.Stream, i, cfg.Input.Extension)
	}

	if cfg.Watch.Enabled {
		if err := j.wait(ctx, log, cfg, shardPaths); err != nil {
			return nil, err
		}
	}

	idsPath, reg, err := j.loadIDs(ctx, log, cfg)
	if err != nil {
		return nil, err
	}

	m := manifest.New()
	result := &Result{RunID: m.RunID, IDs: idsPath}
	log = log.With("run_id", m.RunID)

	reader, err := eventlog.OpenPaths(shardPaths, reg)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	outputs, err := j.replay(ctx, log, cfg, reg, reader, result)
	result.Shards = reader.Stats()
	if err != nil {
		return result, err
	}
	result.Outputs = outputs
	result.Duration = time.Since(start)

	var files []string
	for _, o := range outputs {
		files = append(files, o.Path)
	}

	if cfg.Output.Manifest {
		path, err := writeManifest(m, cfg, result)
		if err != nil {
			return result, err
		}
		result.Manifest = path
		files = append(files, path)
		log.Debug("manifest written", "path", path)
	}

	if j.Uploader != nil && len(files) > 0 {
		ctx, span := telemetry.Start(ctx, telemetry.SpanUpload, attribute.Int("files", len(files)))
		uploads, err := j.Uploader.UploadFiles(ctx, m.RunID, files...)
		telemetry.End(span, err)
		result.Uploads = uploads
		if err != nil {
			return result, err
		}
		log.Info("outputs uploaded", "files", len(uploads))
	}

	log.Info("replay complete",
		"events", result.Events.Events,
		"unhandled", result.Events.Unhandled,
		"outputs", len(result.Outputs),
		"duration", result.Duration)
	return result, nil
}

func (j *Job) wait(ctx context.Context, log *slog.Logger, cfg *config.Config, shardPaths []string) error {
	paths := append([]string(nil), shardPaths...)
	if cfg.Input.IDs != "" {
		paths = append(paths, cfg.Input.IDs)
	}
	if cfg.Watch.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Watch.Timeout)
		defer cancel()
	}

	log.Info("waiting for run artifacts", "files", len(paths), "timeout", cfg.Watch.Timeout)
	w, err := watch.NewWaiter(cfg.Watch.Debounce)
	if err != nil {
		return err
	}
	defer w.Close()
	w.OnAppear = func(path string) { log.Debug("artifact settled", "path", path) }

	for _, p := range paths {
		if err := w.Add(p); err != nil {
			return err
		}
	}
	return w.Wait(ctx)
}

func (j *Job) loadIDs(ctx context.Context, log *slog.Logger, cfg *config.Config) (string, *ids.Registry, error) {
	_, span := telemetry.Start(ctx, telemetry.SpanLoadIDs)

	path := cfg.Input.IDs
	if path == "" {
		var err error
		if path, err = FindIDs(cfg.Input.Dir); err != nil {
			telemetry.End(span, err)
			return "", nil, err
		}
	}
	span.SetAttributes(attribute.String("path", path))

	reg, err := ids.Load(path)
	telemetry.End(span, err)
	if err != nil {
		return "", nil, err
	}

	attrs := []any{"path", path}
	for _, c := range reg.Categories() {
		attrs = append(attrs, c.String(), reg.Len(c))
	}
	log.Debug("identifiers loaded", attrs...)
	return path, reg, nil
}

func (j *Job) replay(ctx context.Context, log *slog.Logger, cfg *config.Config, reg *ids.Registry,
	src events.Source, result *Result) ([]Output, error) {
	format, err := writer.ParseFormat(cfg.Output.Format)
	if err != nil {
		return nil, slerrors.Wrap(err, slerrors.CodeRegistration, "invalid output format")
	}
	wcfg := writer.DefaultConfig()
	wcfg.Format = cfg.Output.Format
	wcfg.Compression = writer.ParseCompression(cfg.Output.Compression)
	if cfg.Output.BatchSize > 0 {
		wcfg.BatchSize = cfg.Output.BatchSize
	}

	ctx, span := telemetry.Start(ctx, telemetry.SpanReplay,
		attribute.Int("shards", cfg.Input.Shards),
		attribute.StringSlice("analyses", cfg.Output.Analyses))

	bus := events.NewManager()
	if j.OnEvent != nil {
		for _, k := range model.Kinds {
			if err := bus.On(k, j.OnEvent); err != nil {
				telemetry.End(span, err)
				return nil, err
			}
		}
	}

	var (
		analyses []analysis.Analysis
		outputs  []Output
	)
	for _, name := range cfg.Output.Analyses {
		tcfg := wcfg
		tcfg.Table = name
		path := filepath.Join(cfg.OutputDir(), name+"."+format.Extension())

		a, err := analysis.New(name, reg, writer.FileOpener(path, tcfg))
		if err != nil {
			telemetry.End(span, err)
			return nil, err
		}
		if err := bus.Subscribe(traced{Analysis: a, ctx: ctx}); err != nil {
			telemetry.End(span, err)
			return nil, err
		}
		analyses = append(analyses, a)
		outputs = append(outputs, Output{Name: name, Path: path, Format: format.String()})
	}

	log.Info("replaying", "shards", cfg.Input.Shards, "analyses", cfg.Output.Analyses)
	stats, err := bus.Run(ctx, src)
	result.Events = stats
	span.SetAttributes(attribute.Int64("events", stats.Events))
	telemetry.End(span, err)
	if err != nil {
		log.Error("replay failed", "error", err, "code", slerrors.GetCode(err), "events", stats.Events)
		return nil, err
	}

	for i, a := range analyses {
		outputs[i].Rows = a.RowsWritten()
		log.Debug("table written", "analysis", a.Name(), "path", outputs[i].Path, "rows", outputs[i].Rows)
	}
	return outputs, nil
}

// traced wraps an analysis so its Finish runs inside a span.
type traced struct {
	analysis.Analysis
	ctx context.Context
}

func (t traced) Finish() error {
	_, span := telemetry.Start(t.ctx, telemetry.SpanFinish, attribute.String("analysis", t.Name()))
	err := t.Analysis.Finish()
	telemetry.End(span, err)
	return err
}

func writeManifest(m *manifest.Manifest, cfg *config.Config, r *Result) (string, error) {
	m.Duration = r.Duration
	m.Inputs.IDs = r.IDs
	m.Inputs.Stream = cfg.Input.Stream
	for _, s := range r.Shards {
		m.Inputs.Shards = append(m.Inputs.Shards, manifest.Shard{Path: s.Path, Steps: s.Steps, Events: s.Events})
	}
	m.Events.Total = r.Events.Events
	m.Events.ByKind = r.ByKind()
	for _, o := range r.Outputs {
		if err := m.AddOutput(o.Name, o.Path, o.Format, o.Rows); err != nil {
			return "", err
		}
	}

	path := filepath.Join(cfg.OutputDir(), manifest.FileName)
	if err := m.Write(path); err != nil {
		return "", err
	}
	return path, nil
}
