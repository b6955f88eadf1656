package pipe

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/logflow/simlog/internal/model"
	"github.com/logflow/simlog/pkg/config"
	slerrors "github.com/logflow/simlog/pkg/errors"
	"github.com/logflow/simlog/pkg/eventlog"
	"github.com/logflow/simlog/pkg/ids"
	"github.com/logflow/simlog/pkg/manifest"
	"github.com/logflow/simlog/pkg/storage/s3"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	reg        *ids.Registry
	home, work ids.ID
	car, walk  ids.ID
	l1         ids.ID
	a, b       ids.ID
}

func newFixture() fixture {
	reg := ids.New()
	return fixture{
		reg:  reg,
		home: reg.Create(ids.CategoryString, "home"),
		work: reg.Create(ids.CategoryString, "work"),
		car:  reg.Create(ids.CategoryString, "car"),
		walk: reg.Create(ids.CategoryString, "walk"),
		l1:   reg.Create(ids.CategoryLink, "l1"),
		a:    reg.Create(ids.CategoryPerson, "A"),
		b:    reg.Create(ids.CategoryPerson, "B"),
	}
}

// shards returns a two-shard day: A on shard 0, B on shard 1.
func (f fixture) shards() [][]model.Event {
	return [][]model.Event{
		{
			model.ActivityEnd{Time: 100, Person: f.a, Link: f.l1, ActType: f.home},
			model.PersonDeparture{Time: 100, Person: f.a, Link: f.l1, LegMode: f.car, RoutingMode: f.car},
			model.PersonArrival{Time: 200, Person: f.a, Link: f.l1, LegMode: f.car},
			model.ActivityStart{Time: 200, Person: f.a, Link: f.l1, ActType: f.work},
			model.ActivityEnd{Time: 500, Person: f.a, Link: f.l1, ActType: f.work},
		},
		{
			model.ActivityEnd{Time: 150, Person: f.b, Link: f.l1, ActType: f.home},
			model.PersonDeparture{Time: 150, Person: f.b, Link: f.l1, LegMode: f.walk, RoutingMode: f.walk},
			model.PersonArrival{Time: 300, Person: f.b, Link: f.l1, LegMode: f.walk},
			model.ActivityStart{Time: 300, Person: f.b, Link: f.l1, ActType: f.work},
		},
	}
}

// writeRun writes the snapshot and one shard per event slice into dir.
// Consecutive events of equal time share a step.
func writeRun(t *testing.T, dir string, reg *ids.Registry, shards [][]model.Event) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := reg.Save(filepath.Join(dir, "berlin.ids.binpb"), ids.CompressionLZ4); err != nil {
		t.Fatalf("save ids: %v", err)
	}
	for i, evs := range shards {
		w, err := eventlog.Create(eventlog.ShardPath(dir, "events", i, eventlog.DefaultExtension))
		if err != nil {
			t.Fatalf("create shard: %v", err)
		}
		for start := 0; start < len(evs); {
			end := start + 1
			for end < len(evs) && evs[end].SimTime() == evs[start].SimTime() {
				end++
			}
			if err := w.WriteStep(evs[start].SimTime(), evs[start:end]...); err != nil {
				t.Fatalf("write step: %v", err)
			}
			start = end
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close shard: %v", err)
		}
	}
}

func runConfigFor(dir string, shards int, analyses ...string) *config.Config {
	cfg := config.Default()
	cfg.Input.Dir = dir
	cfg.Input.Shards = shards
	cfg.Output.Analyses = analyses
	return cfg
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return records
}

type fakeUploader struct {
	mu    sync.Mutex
	runID string
	files []string
}

func (u *fakeUploader) UploadFiles(ctx context.Context, runID string, files ...string) ([]s3.Upload, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.runID = runID
	u.files = append(u.files, files...)
	out := make([]s3.Upload, len(files))
	for i, f := range files {
		out[i] = s3.Upload{Path: f, Key: runID + "/" + filepath.Base(f)}
	}
	return out, nil
}

func TestJob_Run(t *testing.T) {
	dir := t.TempDir()
	f := newFixture()
	writeRun(t, dir, f.reg, f.shards())

	var times []uint32
	up := &fakeUploader{}
	job := &Job{
		Config: runConfigFor(dir, 2, "activities", "legs"),
		Logger: discard(),
		OnEvent: func(ev model.Event) error {
			times = append(times, ev.SimTime())
			return nil
		},
		Uploader: up,
	}

	res, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	expected := [][]string{
		{"activity_type", "person", "link", "duration", "occurrence_count", "mode", "routing_mode"},
		{"home", "A", "l1", "100", "1", "car", "car"},
		{"work", "A", "l1", "300", "2", "", ""},
		{"home", "B", "l1", "150", "1", "walk", "walk"},
	}
	got := readCSV(t, filepath.Join(dir, "activities.csv"))
	if len(got) != len(expected) {
		t.Fatalf("activities rows = %v", got)
	}
	for i := range expected {
		if strings.Join(got[i], ",") != strings.Join(expected[i], ",") {
			t.Errorf("row %d = %v, want %v", i, got[i], expected[i])
		}
	}

	if legs := readCSV(t, filepath.Join(dir, "legs.csv")); len(legs) != 3 {
		t.Errorf("legs rows = %v", legs)
	}

	if res.Events.Events != 9 {
		t.Errorf("events = %d, want 9", res.Events.Events)
	}
	if n := res.ByKind()["actend"]; n != 3 {
		t.Errorf("actend = %d, want 3", n)
	}
	if len(res.Shards) != 2 || res.Shards[0].Events != 5 || res.Shards[1].Events != 4 {
		t.Errorf("shards = %+v", res.Shards)
	}
	if len(res.Outputs) != 2 || res.Outputs[0].Rows != 3 || res.Outputs[1].Rows != 2 {
		t.Errorf("outputs = %+v", res.Outputs)
	}

	if len(times) != 9 {
		t.Fatalf("observed %d events", len(times))
	}
	for i := 1; i < len(times); i++ {
		if times[i] < times[i-1] {
			t.Errorf("observed times not ordered: %v", times)
			break
		}
	}

	m, err := manifest.Read(res.Manifest)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if m.RunID != res.RunID || m.Events.Total != 9 || len(m.Outputs) != 2 {
		t.Errorf("manifest = %+v", m)
	}
	if err := m.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}

	if up.runID != res.RunID || len(up.files) != 3 {
		t.Errorf("uploaded %v for %q", up.files, up.runID)
	}
	if len(res.Uploads) != 3 {
		t.Errorf("uploads = %d", len(res.Uploads))
	}
}

func TestJob_Run_OutputDirAndFormat(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "tables")
	f := newFixture()
	writeRun(t, dir, f.reg, f.shards())

	cfg := runConfigFor(dir, 2, "activities")
	cfg.Output.Dir = out
	cfg.Output.Format = "parquet"
	cfg.Output.Manifest = false

	res, err := (&Job{Config: cfg, Logger: discard()}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "activities.parquet")); err != nil {
		t.Errorf("parquet output: %v", err)
	}
	if res.Manifest != "" {
		t.Errorf("manifest written: %s", res.Manifest)
	}
}

func TestJob_Run_ConsistencyError(t *testing.T) {
	dir := t.TempDir()
	f := newFixture()
	writeRun(t, dir, f.reg, [][]model.Event{{
		model.PersonDeparture{Time: 5, Person: f.a, Link: f.l1, LegMode: f.car, RoutingMode: f.car},
	}})

	_, err := (&Job{Config: runConfigFor(dir, 1, "activities"), Logger: discard()}).Run(context.Background())
	if !slerrors.IsCode(err, slerrors.CodeConsistency) {
		t.Fatalf("error = %v, want %s", err, slerrors.CodeConsistency)
	}
	for _, name := range []string{"activities.csv", manifest.FileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s exists after a failed run", name)
		}
	}
}

func TestJob_Run_MissingShard(t *testing.T) {
	dir := t.TempDir()
	f := newFixture()
	writeRun(t, dir, f.reg, f.shards())

	_, err := (&Job{Config: runConfigFor(dir, 3, "activities"), Logger: discard()}).Run(context.Background())
	if !slerrors.IsCode(err, slerrors.CodeFileNotFound) {
		t.Errorf("error = %v, want %s", err, slerrors.CodeFileNotFound)
	}
}

func TestJob_Run_WaitsForArtifacts(t *testing.T) {
	dir := t.TempDir()
	staging := t.TempDir()
	f := newFixture()
	writeRun(t, staging, f.reg, f.shards())

	cfg := runConfigFor(dir, 2, "activities")
	cfg.Input.IDs = filepath.Join(dir, "berlin.ids.binpb")
	cfg.Watch.Enabled = true
	cfg.Watch.Timeout = 10 * time.Second
	cfg.Watch.Debounce = 50 * time.Millisecond

	go func() {
		time.Sleep(100 * time.Millisecond)
		entries, _ := os.ReadDir(staging)
		for _, e := range entries {
			os.Rename(filepath.Join(staging, e.Name()), filepath.Join(dir, e.Name()))
		}
	}()

	res, err := (&Job{Config: cfg, Logger: discard()}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Events.Events != 9 {
		t.Errorf("events = %d", res.Events.Events)
	}
}

func TestFindIDs(t *testing.T) {
	dir := t.TempDir()
	if _, err := FindIDs(dir); !slerrors.IsCode(err, slerrors.CodeFileNotFound) {
		t.Errorf("empty dir: %v", err)
	}

	os.WriteFile(filepath.Join(dir, "a.ids.binpb"), nil, 0o644)
	path, err := FindIDs(dir)
	if err != nil || filepath.Base(path) != "a.ids.binpb" {
		t.Errorf("FindIDs = %q, %v", path, err)
	}

	os.WriteFile(filepath.Join(dir, "b.ids.binpb"), nil, 0o644)
	if _, err := FindIDs(dir); !slerrors.IsCode(err, slerrors.CodeSnapshot) {
		t.Errorf("two snapshots: %v", err)
	}
}
