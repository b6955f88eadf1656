// Package s3 uploads replay outputs to AWS S3 or an S3-compatible store.
package s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	slerrors "github.com/logflow/simlog/pkg/errors"
)

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region (e.g., "us-east-1")
	Region string

	// Bucket receives the uploads
	Bucket string

	// Prefix is prepended to every object key
	Prefix string

	// Endpoint overrides the default S3 endpoint (for S3-compatible services)
	Endpoint string

	// UsePathStyle forces path-style addressing (for MinIO, LocalStack)
	UsePathStyle bool

	// Credentials (optional - uses default chain if not provided)
	AccessKeyID     string
	SecretAccessKey string

	UploadTimeout time.Duration
}

// API is the subset of the S3 client used for uploads.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client uploads files under a key prefix.
type Client struct {
	cfg Config
	api API
}

// NewClient creates a client from the default AWS config chain, overridden
// by cfg.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	// Use explicit credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithAPI(cfg, client), nil
}

// NewWithAPI wraps an existing S3 API implementation.
func NewWithAPI(cfg Config, api API) *Client {
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	return &Client{cfg: cfg, api: api}
}

// Key returns the object key for a file of one run.
func (c *Client) Key(runID, file string) string {
	return path.Join(c.cfg.Prefix, runID, filepath.Base(file))
}

// Upload is the result of one uploaded file.
type Upload struct {
	Path string
	Key  string
	ETag string
}

// UploadFiles uploads each file under <prefix>/<runID>/. It stops at the
// first failure.
func (c *Client) UploadFiles(ctx context.Context, runID string, files ...string) ([]Upload, error) {
	out := make([]Upload, 0, len(files))
	for _, file := range files {
		u, err := c.uploadFile(ctx, c.Key(runID, file), file)
		if err != nil {
			return out, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (c *Client) uploadFile(ctx context.Context, key, file string) (Upload, error) {
	f, err := os.Open(file)
	if err != nil {
		return Upload{}, slerrors.Wrap(err, slerrors.CodeUploadFailed, "failed to open upload").
			WithContext("path", file)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return Upload{}, slerrors.Wrap(err, slerrors.CodeUploadFailed, "failed to stat upload").
			WithContext("path", file)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()

	output, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(ContentType(file)),
	})
	if err != nil {
		return Upload{}, slerrors.Wrap(err, slerrors.CodeUploadFailed, "failed to upload").
			WithContext("bucket", c.cfg.Bucket).
			WithContext("key", key)
	}
	return Upload{Path: file, Key: key, ETag: aws.ToString(output.ETag)}, nil
}

// ContentType guesses the MIME type of an output file.
func ContentType(file string) string {
	switch filepath.Ext(file) {
	case ".csv":
		return "text/csv"
	case ".parquet":
		return "application/vnd.apache.parquet"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".yaml", ".yml":
		return "application/yaml"
	default:
		return "application/octet-stream"
	}
}
