package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/logflow/simlog/internal/pipe"
	"github.com/logflow/simlog/pkg/config"
	"github.com/logflow/simlog/pkg/storage/s3"
	"github.com/logflow/simlog/pkg/tui"
)

// Replay flags
var (
	inputDir     string
	streamName   string
	shardCount   int
	extension    string
	idsPath      string
	outputDir    string
	outputFormat string
	analyses     []string
	watchInput   bool
	parallelism  int
	noProgress   bool
	noManifest   bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay one run and write its tables",
	Long: `Replay the event shards of one run directory.

The identifier snapshot is <dir>/*.ids.binpb unless --ids is given. Shards
are <dir>/<stream>-<n>.<ext> for n in [0, shards).

Examples:
  simlog replay --dir output/1pct --shards 12
  simlog replay --dir output/1pct --shards 12 --ext binpb.zst --format parquet
  simlog replay --dir output/1pct --analysis activities,legs,links --watch`,
	RunE: runReplay,
}

var batchCmd = &cobra.Command{
	Use:   "batch <root>",
	Short: "Replay every run directory below root",
	Long: `Replay <root> and each direct subdirectory holding the first shard of the
configured stream. Runs execute concurrently; each run is replayed on its own.

Examples:
  simlog batch output/ --shards 12 --parallel 4
  simlog batch output/ --out tables/ --format parquet`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&streamName, "stream", "", "Event stream name (default \"events\")")
	cmd.Flags().IntVarP(&shardCount, "shards", "n", 0, "Number of event shards")
	cmd.Flags().StringVar(&extension, "ext", "", "Shard extension (binpb, binpb.zst)")
	cmd.Flags().StringVarP(&outputDir, "out", "o", "", "Output directory (default: the input directory)")
	cmd.Flags().StringVarP(&outputFormat, "format", "f", "", "Table format (csv, parquet, xlsx, duckdb)")
	cmd.Flags().StringSliceVarP(&analyses, "analysis", "a", nil, "Analyses to run (activities, legs, links)")
	cmd.Flags().BoolVar(&noManifest, "no-manifest", false, "Do not write manifest.yaml")
}

func init() {
	addRunFlags(replayCmd)
	replayCmd.Flags().StringVarP(&inputDir, "dir", "d", "", "Run directory")
	replayCmd.Flags().StringVar(&idsPath, "ids", "", "Identifier snapshot (default: <dir>/*.ids.binpb)")
	replayCmd.Flags().BoolVarP(&watchInput, "watch", "w", false, "Wait for the run's files to appear")
	replayCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")

	addRunFlags(batchCmd)
	batchCmd.Flags().IntVarP(&parallelism, "parallel", "p", 0, "Concurrent runs (default: number of CPUs)")
}

// applyRunFlags overrides cfg with the flags set on cmd.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("dir") {
		cfg.Input.Dir = inputDir
	}
	if flags.Changed("stream") {
		cfg.Input.Stream = streamName
	}
	if flags.Changed("shards") {
		cfg.Input.Shards = shardCount
	}
	if flags.Changed("ext") {
		cfg.Input.Extension = extension
	}
	if flags.Changed("ids") {
		cfg.Input.IDs = idsPath
	}
	if flags.Changed("out") {
		cfg.Output.Dir = outputDir
	}
	if flags.Changed("format") {
		cfg.Output.Format = outputFormat
	}
	if flags.Changed("analysis") {
		cfg.Output.Analyses = analyses
	}
	if noManifest {
		cfg.Output.Manifest = false
	}
	if flags.Changed("watch") {
		cfg.Watch.Enabled = watchInput
	}
	if flags.Changed("parallel") {
		cfg.Batch.Parallelism = parallelism
	}
	return cfg.Validate()
}

func newUploader(cmd *cobra.Command, cfg *config.Config) (pipe.Uploader, error) {
	s3cfg := cfg.Storage.S3
	if s3cfg.Bucket == "" {
		return nil, nil
	}
	client, err := s3.NewClient(cmd.Context(), s3.Config{
		Region:          s3cfg.Region,
		Bucket:          s3cfg.Bucket,
		Prefix:          s3cfg.Prefix,
		Endpoint:        s3cfg.Endpoint,
		UsePathStyle:    s3cfg.UsePathStyle,
		AccessKeyID:     s3cfg.AccessKey,
		SecretAccessKey: s3cfg.SecretKey,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	defer startTelemetry(cmd.Context(), cfg)()

	uploader, err := newUploader(cmd, cfg)
	if err != nil {
		return err
	}

	job := &pipe.Job{Config: cfg, Logger: logger, Uploader: uploader}

	var progress *tui.Progress
	if !noProgress {
		progress = tui.NewProgress(os.Stderr, "replaying")
		job.OnEvent = progress.Observe
	}

	start := time.Now()
	result, err := job.Run(cmd.Context())
	if progress != nil {
		progress.Finish()
	}
	if err != nil {
		return err
	}

	report := tui.Report{
		RunID:    result.RunID,
		Events:   result.Events.Events,
		ByKind:   result.ByKind(),
		Duration: time.Since(start),
	}
	for _, o := range result.Outputs {
		report.Outputs = append(report.Outputs, tui.Output{Name: o.Name, Path: o.Path, Rows: o.Rows})
	}
	if result.Manifest != "" {
		report.Outputs = append(report.Outputs, tui.Output{Name: "manifest", Path: result.Manifest})
	}
	tui.PrintReport(os.Stdout, report)
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	defer startTelemetry(cmd.Context(), cfg)()

	uploader, err := newUploader(cmd, cfg)
	if err != nil {
		return err
	}

	b := &pipe.Batch{Config: cfg, Logger: logger, Uploader: uploader}
	results, err := b.Run(cmd.Context(), args[0])

	var total int64

	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status, n := "ok", int64(0)
		if r.Err != nil {
			status = "failed"
		}
		if r.Result != nil {
			n = r.Result.Events.Events
			total += n
		}
		rel, relErr := filepath.Rel(args[0], r.Dir)
		if relErr != nil {
			rel = r.Dir
		}
		rows = append(rows, []string{rel, status, fmt.Sprint(n)})
	}
	tui.PrintTable(os.Stdout, fmt.Sprintf("RUNS (%d events)", total), []string{"run", "status", "events"}, rows)
	return err
}
