package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sparlo/usage/internal/shared/config"
)

// ObjectPutter is the subset of the S3 client used by the archive.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive stores raw webhook payloads for audit and replay.
type Archive struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewArchive creates an archive writing to bucket under prefix.
func NewArchive(client ObjectPutter, bucket, prefix string) *Archive {
	return &Archive{client: client, bucket: bucket, prefix: prefix}
}

// NewArchiveFromConfig builds an S3 (or R2) client from cfg. It returns nil
// when no bucket is configured.
func NewArchiveFromConfig(ctx context.Context, cfg *config.StorageConfig) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("incomplete storage configuration")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewArchive(client, cfg.Bucket, cfg.Prefix), nil
}

// Key returns the object key for an event received at the given time.
func (a *Archive) Key(provider, eventID string, receivedAt time.Time) string {
	return a.prefix + path.Join(provider, receivedAt.UTC().Format("2006/01/02"), eventID+".json")
}

// Put stores payload and returns its key.
func (a *Archive) Put(ctx context.Context, provider, eventID string, receivedAt time.Time, payload []byte) (string, error) {
	key := a.Key(provider, eventID, receivedAt)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/json"),
		Metadata: map[string]string{
			"event-id": eventID,
			"provider": provider,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put webhook payload: %w", err)
	}
	return key, nil
}
