package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	slerrors "github.com/logflow/simlog/pkg/errors"
)

func TestWaitFor_FilesAppearLater(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		filepath.Join(dir, "run.ids.binpb"),
		filepath.Join(dir, "events-0.binpb"),
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		for _, p := range paths {
			os.WriteFile(p, []byte("data"), 0o644)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := WaitFor(ctx, 50*time.Millisecond, paths...); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
}

func TestWaitFor_AlreadyPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events-0.binpb")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWaiter(20 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	var appeared []string
	w.OnAppear = func(p string) { appeared = append(appeared, p) }
	if err := w.Add(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(appeared) != 1 {
		t.Errorf("OnAppear called %d times, want 1", len(appeared))
	}
}

func TestWaitFor_Canceled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := WaitFor(ctx, 20*time.Millisecond, filepath.Join(dir, "never.binpb"))
	if !slerrors.IsCode(err, slerrors.CodeCanceled) {
		t.Errorf("WaitFor error = %v, want code %s", err, slerrors.CodeCanceled)
	}
}

func TestWaiter_AddRequiresDirectory(t *testing.T) {
	w, err := NewWaiter(0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Add(filepath.Join(t.TempDir(), "missing", "events-0.binpb")); err == nil {
		t.Error("expected error for missing directory")
	}
}
