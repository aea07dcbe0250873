package lode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// S3Config holds configuration for the S3 storage backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not subdomain).
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// Location returns the s3:// URL the archive reports storage paths under.
func (c *S3Config) Location() string {
	loc := "s3://" + c.Bucket
	if p := strings.Trim(c.Prefix, "/"); p != "" {
		loc += "/" + p
	}
	return loc
}

// ParseS3Path parses a path in format "bucket/prefix" or "bucket".
func ParseS3Path(path string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(strings.TrimPrefix(path, "s3://"), "/")
	return bucket, prefix
}

// s3Options translates endpoint and addressing overrides into client options.
func (c *S3Config) s3Options() []func(*s3.Options) {
	var opts []func(*s3.Options)
	if c.Endpoint != "" {
		endpoint := c.Endpoint
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if c.UsePathStyle {
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return opts
}

// NewS3Archive creates an archive backed by S3 or an S3-compatible store.
// Credentials come from the AWS SDK default chain (env vars, shared
// config, IAM role).
func NewS3Archive(ctx context.Context, cfg Config, s3cfg S3Config) (*Archive, error) {
	if err := s3cfg.Validate(); err != nil {
		return nil, err
	}

	var loadOpts []func(*config.LoadOptions) error
	if s3cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(s3cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, s3cfg.s3Options()...)
	factory := func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{
			Bucket: s3cfg.Bucket,
			Prefix: s3cfg.Prefix,
		})
	}
	return NewArchive(cfg, factory, s3cfg.Location())
}
