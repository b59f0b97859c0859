// Package publish uploads finished artifacts to an S3-compatible
// object store. Publishing is optional and non-fatal: a task that
// fails to publish still completes with its local result.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrPublishFailed wraps upload errors.
var ErrPublishFailed = errors.New("publish failed")

// ResultPublisher publishes an artifact and returns its URL. An empty
// URL with a nil error means the publisher declined (e.g. disabled).
type ResultPublisher interface {
	Publish(ctx context.Context, artifactPath, originalFilename, taskID string) (string, error)
}

// Options configures the S3 publisher. Endpoint may point at any
// S3-compatible store; when set, path-style addressing is used.
type Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Configured reports whether enough settings exist to publish.
func (o Options) Configured() bool {
	return o.Bucket != "" && o.AccessKey != "" && o.SecretKey != ""
}

// S3Publisher uploads result archives with public-read ACL and
// returns a direct URL.
type S3Publisher struct {
	client *s3.Client
	opts   Options
	logger *slog.Logger
}

// NewS3Publisher builds the publisher from static credentials.
func NewS3Publisher(ctx context.Context, opts Options, logger *slog.Logger) (*S3Publisher, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Publisher{client: client, opts: opts, logger: logger}, nil
}

// Publish uploads the artifact under
// <prefix>/<taskID>/<basename(artifactPath)> and returns its URL.
func (p *S3Publisher) Publish(ctx context.Context, artifactPath, originalFilename, taskID string) (string, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	key := p.key(artifactPath, taskID)
	contentType := mime.TypeByExtension(filepath.Ext(artifactPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	p.logger.Info("publishing artifact",
		"bucket", p.opts.Bucket, "key", key, "size", info.Size())

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.opts.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
		ACL:           types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return p.url(key), nil
}

func (p *S3Publisher) key(artifactPath, taskID string) string {
	name := filepath.Base(artifactPath)
	if p.opts.Prefix != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(p.opts.Prefix, "/"), taskID, name)
	}
	return fmt.Sprintf("%s/%s", taskID, name)
}

func (p *S3Publisher) url(key string) string {
	if p.opts.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(p.opts.Endpoint, "/"), p.opts.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.opts.Bucket, p.opts.Region, key)
}
