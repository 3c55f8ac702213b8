// Package archive exports finished job trails to S3-compatible storage.
//
// Archival is an operator convenience: the durable record of a job lives in
// the local store, and an export failure is logged, never surfaced to the job
// that triggered it.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/mathewab/actual-assist-sub002/internal/audit"
	"github.com/mathewab/actual-assist-sub002/pkg/jobs"
)

// Config configures the exporter.
type Config struct {
	Bucket string
	// Prefix is prepended to every object key. Optional.
	Prefix string
	Region string
	// Endpoint overrides the S3 endpoint for S3-compatible stores. Optional.
	Endpoint string
	// Static credentials. When empty the SDK's default chain applies.
	AccessKeyID     string
	SecretAccessKey string
}

// objectAPI is the slice of the S3 client the exporter uses.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter writes job archives as gzipped JSON objects.
type Exporter struct {
	client objectAPI
	bucket string
	prefix string
	logger *zap.Logger
}

// New creates an Exporter backed by a real S3 client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

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
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithClient creates an Exporter over an existing client.
func NewWithClient(client objectAPI, bucket, prefix string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// jobArchive is the exported object layout.
type jobArchive struct {
	ArchivedAt time.Time      `json:"archivedAt"`
	Job        jobs.Job       `json:"job"`
	Steps      []jobs.Step    `json:"steps"`
	Events     []jobs.Event   `json:"events"`
	Audit      []audit.Record `json:"audit,omitempty"`
}

// ArchiveJob uploads one job's full trail to
// <prefix>/audit/<budgetID>/<jobID>.json.gz.
func (e *Exporter) ArchiveJob(ctx context.Context, detail *jobs.Detail, records []audit.Record) error {
	payload := jobArchive{
		ArchivedAt: time.Now().UTC(),
		Job:        detail.Job,
		Steps:      detail.Steps,
		Events:     detail.Events,
		Audit:      records,
	}

	body, err := encode(payload)
	if err != nil {
		return fmt.Errorf("encode job archive: %w", err)
	}

	key := path.Join(e.prefix, "audit", detail.Job.BudgetID, detail.Job.ID+".json.gz")
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(e.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("put job archive %s: %w", key, err)
	}

	e.logger.Info("job archived",
		zap.String("job_id", detail.Job.ID),
		zap.String("bucket", e.bucket),
		zap.String("key", key))
	return nil
}

func encode(payload jobArchive) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(payload); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
