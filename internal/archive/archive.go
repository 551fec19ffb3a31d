// Package archive snapshots fetched raw pages to a local directory or S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	gojson "github.com/goccy/go-json"

	"call-sync-engine/internal/config"
)

// Archiver persists one raw page and returns where it went.
type Archiver interface {
	SavePage(ctx context.Context, jobID string, page int, items []json.RawMessage) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// PageArchiver writes pages as JSON arrays under jobs/<job>/page-NNNN.json.
type PageArchiver struct {
	up uploader
}

// New picks the destination from config. It returns nil when archiving is off.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	switch cfg.Destination {
	case "", "none":
		return nil, nil
	case "local":
		dir := cfg.Dir
		if dir == "" {
			dir = "./archive"
		}
		return &PageArchiver{up: &localUploader{baseDir: dir}}, nil
	case "s3":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &PageArchiver{up: &s3Uploader{client: client, bucket: cfg.S3Bucket}}, nil
	}
	return nil, fmt.Errorf("unsupported archive destination %q", cfg.Destination)
}

// PageKey is the object key of a page.
func PageKey(jobID string, page int) string {
	return path.Join("jobs", jobID, fmt.Sprintf("page-%04d.json", page))
}

func (a *PageArchiver) SavePage(ctx context.Context, jobID string, page int, items []json.RawMessage) (string, error) {
	body, err := gojson.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode page: %w", err)
	}
	return a.up.Upload(ctx, PageKey(jobID, page), body, "application/json")
}

func newS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
