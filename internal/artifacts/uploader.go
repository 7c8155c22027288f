package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores an artifact under key and returns where it ended up.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// S3Options selects the mirror bucket. Endpoint and PathStyle serve
// S3-compatible stores such as MinIO.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Mirror builds an uploader for the configured bucket using the default
// AWS credential chain.
func NewS3Mirror(ctx context.Context, opts S3Options) (Uploader, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 mirror: bucket is required")
	}
	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &s3Uploader{client: client, bucket: opts.Bucket}, nil
}

func newS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
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

// localStore writes artifacts beneath the output directory.
type localStore struct {
	baseDir string
}

func (l *localStore) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

// sanitizeKey normalizes key to a relative slash path that cannot climb out
// of the output directory. It returns "" when nothing usable is left.
func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "\\", "/")
	key = path.Clean("/" + key)
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return ""
	}
	return key
}

func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
