// Package storage archives expired analytics events to S3 before the
// retention job deletes them from Postgres.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/intent-engine/internal/analytics"
	"github.com/ignite/intent-engine/internal/pkg/logger"
)

// S3API is the subset of *s3.Client the archiver uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ExpiredSource pages through analytics events older than a cutoff, ordered
// by event id.
type ExpiredSource interface {
	Expired(ctx context.Context, before time.Time, afterID string, limit int) ([]analytics.Record, error)
}

// ArchiveConfig locates the archive bucket. An empty Bucket disables
// archiving.
type ArchiveConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	BatchSize       int    `yaml:"batch_size"`
}

// Enabled reports whether a bucket is configured.
func (c ArchiveConfig) Enabled() bool { return c.Bucket != "" }

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg ArchiveConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Archiver writes expired events to S3 as newline-delimited JSON, one
// object per batch.
type Archiver struct {
	client    S3API
	source    ExpiredSource
	bucket    string
	prefix    string
	batchSize int
}

// NewArchiver creates an archiver reading from source.
func NewArchiver(client S3API, source ExpiredSource, cfg ArchiveConfig) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "analytics-archive"
	}
	return &Archiver{
		client:    client,
		source:    source,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		batchSize: cfg.BatchSize,
	}
}

// Archive uploads every event older than before and returns how many were
// written. Any failure aborts the run so nothing unarchived gets pruned.
func (a *Archiver) Archive(ctx context.Context, before time.Time) (int, error) {
	var (
		total  int
		part   int
		cursor string
	)
	for {
		recs, err := a.source.Expired(ctx, before, cursor, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("reading expired events: %w", err)
		}
		if len(recs) == 0 {
			break
		}
		key := a.objectKey(before, part)
		if err := a.put(ctx, key, recs); err != nil {
			return total, err
		}
		logger.Debug("analytics batch archived", "key", key, "events", len(recs))

		total += len(recs)
		part++
		cursor = recs[len(recs)-1].EventID
		if len(recs) < a.batchSize {
			break
		}
	}
	return total, nil
}

// objectKey partitions archives by cutoff date, e.g.
// analytics-archive/2026/03/10/1773144000-00000.jsonl.
func (a *Archiver) objectKey(before time.Time, part int) string {
	before = before.UTC()
	return fmt.Sprintf("%s/%s/%d-%05d.jsonl", a.prefix, before.Format("2006/01/02"), before.Unix(), part)
}

func (a *Archiver) put(ctx context.Context, key string, recs []analytics.Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("marshaling event %s: %w", r.EventID, err)
		}
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("putting object to S3: %w", err)
	}
	return nil
}
