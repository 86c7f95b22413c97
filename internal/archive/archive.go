// Package archive stores pruned events before retention deletes them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/models"
)

// Sink receives a contiguous batch of events from one scope.
type Sink interface {
	// Archive writes events and returns the location written to.
	Archive(ctx context.Context, scope string, events []models.Event) (string, error)
}

// New picks an S3 sink when a bucket is configured, a local directory sink
// when ARCHIVE_DIR is set, and nil otherwise.
func New(ctx context.Context, cfg config.Config) (Sink, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Sink(client, cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix), nil
	}
	if cfg.ArchiveDir != "" {
		return NewLocalSink(cfg.ArchiveDir), nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// objectKey lays batches out as <scope kind>/<scope id>/<first>-<last>.jsonl.
func objectKey(scope string, events []models.Event) string {
	first, last := events[0].Seq, events[len(events)-1].Seq
	return path.Join(strings.ReplaceAll(scope, ":", "/"), fmt.Sprintf("%d-%d.jsonl", first, last))
}

func encodeLines(events []models.Event) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return nil, fmt.Errorf("encode event %s/%d: %w", ev.Scope, ev.Seq, err)
		}
	}
	return buf.Bytes(), nil
}

var errEmptyBatch = errors.New("archive: empty batch")

// LocalSink writes JSON Lines files under a base directory.
type LocalSink struct {
	baseDir string
}

func NewLocalSink(baseDir string) *LocalSink {
	return &LocalSink{baseDir: baseDir}
}

func (l *LocalSink) Archive(_ context.Context, scope string, events []models.Event) (string, error) {
	if len(events) == 0 {
		return "", errEmptyBatch
	}
	body, err := encodeLines(events)
	if err != nil {
		return "", err
	}
	p := filepath.Join(l.baseDir, filepath.FromSlash(objectKey(scope, events)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

// PutObjectAPI is the slice of the S3 client the sink needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads JSON Lines objects to a bucket.
type S3Sink struct {
	client PutObjectAPI
	bucket string
	prefix string
}

func NewS3Sink(client PutObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Sink) Archive(ctx context.Context, scope string, events []models.Event) (string, error) {
	if len(events) == 0 {
		return "", errEmptyBatch
	}
	body, err := encodeLines(events)
	if err != nil {
		return "", err
	}
	key := objectKey(scope, events)
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
