// Package storage uploads backup archives to local disk or S3-compatible object storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores an object and returns the path clients fetch it from.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.ReadSeeker, contentType string) (string, error)
}

// S3Config configures the S3 uploader.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3 uploads to an S3-compatible bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("s3 configuration incomplete")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// Upload puts the object and returns its /api/s3file/ path.
func (c *S3) Upload(ctx context.Context, key string, body io.ReadSeeker, contentType string) (string, error) {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to s3: %w", err)
	}
	return "/api/s3file/" + strings.TrimPrefix(key, "/"), nil
}

// Local writes objects below a directory.
type Local struct {
	dir string
}

func NewLocal(dir string) *Local { return &Local{dir: dir} }

// Upload writes the object under dir using the key's base name and returns
// its /api/file/ path. An object already at that location is left as is.
func (l *Local) Upload(_ context.Context, key string, body io.ReadSeeker, _ string) (string, error) {
	name := path.Base("/" + key)
	dst := filepath.Join(l.dir, name)
	if f, ok := body.(*os.File); ok {
		if abs, err := filepath.Abs(f.Name()); err == nil {
			if absDst, err := filepath.Abs(dst); err == nil && abs == absDst {
				return "/api/file/" + name, nil
			}
		}
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, body); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return "/api/file/" + name, nil
}
