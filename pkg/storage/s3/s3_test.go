package s3

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	slerrors "github.com/logflow/simlog/pkg/errors"
)

type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
	fail    error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = data
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func TestUploadFiles(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "activities.csv")
	manifest := filepath.Join(dir, "manifest.yaml")
	os.WriteFile(table, []byte("a,b\n"), 0o644)
	os.WriteFile(manifest, []byte("run_id: x\n"), 0o644)

	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	c := NewWithAPI(Config{Bucket: "results", Prefix: "berlin/1pct"}, fake)

	uploads, err := c.UploadFiles(context.Background(), "run-1", table, manifest)
	if err != nil {
		t.Fatalf("UploadFiles: %v", err)
	}
	if len(uploads) != 2 {
		t.Fatalf("got %d uploads", len(uploads))
	}

	key := "results/berlin/1pct/run-1/activities.csv"
	if string(fake.objects[key]) != "a,b\n" {
		t.Errorf("object %s = %q", key, fake.objects[key])
	}
	if fake.types[key] != "text/csv" {
		t.Errorf("content type = %q", fake.types[key])
	}
	if uploads[1].Key != "berlin/1pct/run-1/manifest.yaml" {
		t.Errorf("manifest key = %q", uploads[1].Key)
	}
}

func TestUploadFiles_Failure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legs.parquet")
	os.WriteFile(path, []byte("PAR1"), 0o644)

	c := NewWithAPI(Config{Bucket: "results"}, &fakeS3{fail: errors.New("access denied")})
	_, err := c.UploadFiles(context.Background(), "run-1", path)
	if !slerrors.IsCode(err, slerrors.CodeUploadFailed) {
		t.Errorf("error = %v, want code %s", err, slerrors.CodeUploadFailed)
	}
}

func TestContentType(t *testing.T) {
	tests := []struct {
		file     string
		expected string
	}{
		{"a.csv", "text/csv"},
		{"a.parquet", "application/vnd.apache.parquet"},
		{"manifest.yaml", "application/yaml"},
		{"a.duckdb", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := ContentType(tt.file); got != tt.expected {
			t.Errorf("ContentType(%q) = %q, want %q", tt.file, got, tt.expected)
		}
	}
}
