package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
)

// S3ArchiveStore implements Archiver against an S3 bucket. Expiring backups
// are written as a raw payload object plus a metadata document, so archived
// recovery points stay usable without this engine.
type S3ArchiveStore struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3ArchiveStore creates a new S3 archive store. Credentials come from
// the default chain (env, shared config, instance metadata).
func NewS3ArchiveStore(ctx context.Context, bucket, prefix, region string, logger *zap.Logger) (*S3ArchiveStore, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3ArchiveStore{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Archive uploads the backup payload and its metadata document. Returns
// the s3:// location of the payload object.
func (s *S3ArchiveStore) Archive(ctx context.Context, record *model.BackupRecord, payload []byte) (string, error) {
	base := path.Join(s.prefix, record.StateID, record.BackupID)

	payloadKey := base + ".payload"
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(payloadKey),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/octet-stream"),
	}); err != nil {
		return "", fmt.Errorf("failed to upload backup payload: %w", err)
	}

	meta, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup metadata: %w", err)
	}

	metaKey := base + ".json"
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(metaKey),
		Body:          bytes.NewReader(meta),
		ContentLength: aws.Int64(int64(len(meta))),
		ContentType:   aws.String("application/json"),
	}); err != nil {
		return "", fmt.Errorf("failed to upload backup metadata: %w", err)
	}

	location := fmt.Sprintf("s3://%s/%s", s.bucket, payloadKey)
	s.logger.Info("archived backup to cold storage",
		zap.String("backup_id", record.BackupID),
		zap.String("state_id", record.StateID),
		zap.String("location", location),
	)
	return location, nil
}
