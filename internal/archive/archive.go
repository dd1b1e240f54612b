// Package archive stores copies of delivered messages on local disk or S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const contentType = "message/rfc822"

// Archiver stores one rendered message under key and returns its location.
type Archiver interface {
	Store(ctx context.Context, key string, body []byte) (string, error)
}

// Settings selects the archive target. S3 wins when a bucket is set.
type Settings struct {
	Dir         string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

// New returns the configured archiver, or nil when archiving is disabled.
func New(ctx context.Context, s Settings) (Archiver, error) {
	if s.S3Bucket != "" {
		client, err := newS3Client(ctx, s)
		if err != nil {
			return nil, err
		}
		return &s3Archiver{client: client, bucket: s.S3Bucket}, nil
	}
	if s.Dir != "" {
		return &localArchiver{baseDir: s.Dir}, nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, s Settings) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = s.S3PathStyle
		if s.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(s.S3Endpoint)
		}
	}), nil
}

// Key builds the object key for a delivered email.
func Key(sender, emailID string) string {
	return sanitizeKey(filepath.Join(sender, emailID+".eml"))
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

type localArchiver struct {
	baseDir string
}

func (l *localArchiver) Store(_ context.Context, key string, body []byte) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Archiver struct {
	client *s3.Client
	bucket string
}

func (s *s3Archiver) Store(ctx context.Context, key string, body []byte) (string, error) {
	key = sanitizeKey(key)
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
