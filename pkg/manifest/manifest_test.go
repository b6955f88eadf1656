package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	slerrors "github.com/logflow/simlog/pkg/errors"
)

func TestManifest_WriteReadVerify(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "activities.csv")
	if err := os.WriteFile(table, []byte("activity_type,person\nhome,A\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := New()
	if _, err := uuid.Parse(m.RunID); err != nil {
		t.Errorf("RunID %q is not a uuid: %v", m.RunID, err)
	}
	m.Inputs = Inputs{IDs: "run.ids.binpb", Stream: "events", Shards: []Shard{{Path: "events-0.binpb", Steps: 3, Events: 7}}}
	m.Events.Total = 7
	m.Events.ByKind["actend"] = 2

	if err := m.AddOutput("activities", table, "csv", 1); err != nil {
		t.Fatalf("AddOutput: %v", err)
	}
	if len(m.Outputs[0].BLAKE3) != 64 {
		t.Errorf("digest %q is not 32 hex bytes", m.Outputs[0].BLAKE3)
	}

	path := filepath.Join(dir, FileName)
	if err := m.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	loaded, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if loaded.RunID != m.RunID || loaded.Events.ByKind["actend"] != 2 || loaded.Inputs.Shards[0].Events != 7 {
		t.Errorf("loaded = %+v", loaded)
	}
	if err := loaded.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}

	if err := os.WriteFile(table, []byte("tampered\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := loaded.Verify(); err == nil {
		t.Error("Verify should detect a changed output")
	}
}

func TestDigest_Stable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.csv")
	os.WriteFile(path, []byte("same bytes"), 0o644)

	a, n, err := Digest(path)
	if err != nil {
		t.Fatal(err)
	}
	b, _, _ := Digest(path)
	if a != b || n != int64(len("same bytes")) {
		t.Errorf("Digest = %s/%d then %s", a, n, b)
	}
}

func TestRead_Missing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), FileName))
	if !slerrors.IsCode(err, slerrors.CodeFileNotFound) {
		t.Errorf("Read error = %v, want code %s", err, slerrors.CodeFileNotFound)
	}
}
