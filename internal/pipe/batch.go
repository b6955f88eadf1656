package pipe

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/logflow/simlog/pkg/config"
	slerrors "github.com/logflow/simlog/pkg/errors"
	"github.com/logflow/simlog/pkg/eventlog"
	"github.com/logflow/simlog/pkg/events"
)

// Batch replays every run directory below a root. Runs share nothing and
// execute concurrently; each run is still a single sequential replay.
type Batch struct {
	Config   *config.Config
	Logger   *slog.Logger
	Uploader Uploader

	// NewObserver, when set, builds the event observer of one run.
	NewObserver func(dir string) events.Handler
}

// RunResult is the outcome of one run of a batch.
type RunResult struct {
	Dir    string
	Result *Result
	Err    error
}

// Discover returns the run directories below root, sorted: root itself and
// its direct subdirectories holding the first shard of the configured
// stream.
func Discover(root string, cfg *config.Config) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, slerrors.FileNotFound(root, err)
	}

	isRun := func(dir string) bool {
		_, err := os.Stat(eventlog.ShardPath(dir, cfg.Input.Stream, 0, cfg.Input.Extension))
		return err == nil
	}

	var dirs []string
	if isRun(root) {
		dirs = append(dirs, root)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if isRun(dir) {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Run replays all runs found below root. The returned slice holds one entry
// per run in directory order; the error combines the failed runs.
func (b *Batch) Run(ctx context.Context, root string) ([]RunResult, error) {
	cfg := b.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := b.Logger
	if log == nil {
		log = slog.Default()
	}

	dirs, err := Discover(root, cfg)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, slerrors.New(slerrors.CodeFileNotFound, "no runs found").
			WithContext("root", root).
			WithContext("stream", cfg.Input.Stream)
	}

	limit := cfg.Batch.Parallelism
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	log.Info("batch starting", "root", root, "runs", len(dirs), "parallelism", limit)

	start := time.Now()
	results := make([]RunResult, len(dirs))

	// The group only bounds concurrency; each run's error is kept in results.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, dir := range dirs {
		g.Go(func() error {
			job := &Job{
				Config:   runConfig(cfg, root, dir),
				Logger:   log,
				Uploader: b.Uploader,
			}
			if b.NewObserver != nil {
				job.OnEvent = b.NewObserver(dir)
			}
			res, err := job.Run(ctx)
			results[i] = RunResult{Dir: dir, Result: res, Err: err}
			return nil
		})
	}
	g.Wait()

	var errs slerrors.MultiError
	for _, r := range results {
		if r.Err != nil {
			errs.Add(slerrors.Wrap(r.Err, slerrors.GetCode(r.Err), "run failed").WithContext("dir", r.Dir))
		}
	}
	log.Info("batch complete", "runs", len(dirs), "failed", len(errs.Errors), "duration", time.Since(start))
	return results, errs.Combined()
}

// runConfig derives the configuration of one run. Each run finds its own
// snapshot; an explicit output directory gets one subdirectory per run.
func runConfig(base *config.Config, root, dir string) *config.Config {
	cfg := *base
	cfg.Input.Dir = dir
	cfg.Input.IDs = ""
	cfg.Watch.Enabled = false
	if base.Output.Dir != "" {
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			rel = filepath.Base(dir)
		}
		cfg.Output.Dir = filepath.Join(base.Output.Dir, rel)
	}
	return &cfg
}
