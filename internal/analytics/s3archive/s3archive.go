// Package s3archive implements analytics.Archiver against an S3-compatible
// object store (AWS S3 or an R2-style endpoint), archiving rows before
// analytics.Cleanup deletes them locally.
package s3archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Config holds the credentials and bucket needed to reach the object store.
// Endpoint is optional; leave empty to use AWS S3 itself, or set it to an
// R2-style custom endpoint.
type Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Endpoint        string
	Region          string
}

// Configured reports whether enough credentials are present to build an
// Archiver; callers treat cloud archiving as optional and log-and-skip
// when it isn't configured.
func (c Config) Configured() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Bucket != ""
}

// Archiver uploads archive blobs to an S3-compatible bucket.
type Archiver struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

// New builds an Archiver from cfg. Returns an error if the AWS SDK cannot
// resolve a usable configuration (bad region, bad credentials shape); the
// caller is expected to treat a non-nil error as "archiving disabled" rather
// than fatal, per Config.Configured's optionality.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Archiver, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		log:    log.With().Str("component", "s3archive").Logger(),
	}, nil
}

// Archive uploads data under objectKey using the multipart-aware uploader,
// so large archive batches don't need to fit in a single PutObject call.
func (a *Archiver) Archive(ctx context.Context, objectKey string, data []byte) error {
	uploader := manager.NewUploader(a.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload archive %s: %w", objectKey, err)
	}
	a.log.Info().Str("key", objectKey).Int("bytes", len(data)).Msg("archived opportunities batch")
	return nil
}
