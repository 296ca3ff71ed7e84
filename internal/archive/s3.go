package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Store struct {
	bucket string
	client *s3.Client
}

func NewS3Store(
	ctx context.Context,
	region, endpoint, accessKey, secretKey, bucket string,
) (*S3Store, error) {
	loadOpts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(region),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{bucket: bucket, client: client}, nil
}

func (s *S3Store) StoreSnapshot(ctx context.Context, at time.Time, cycleID string, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("snapshot payload is not valid json: cycle %s", cycleID)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(SnapshotKey(at, cycleID)),
		Body:        bytes.NewReader(bytes.TrimSpace(payload)),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (s *S3Store) LoadSnapshot(ctx context.Context, objectKey string) (json.RawMessage, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	payload = bytes.TrimSpace(payload)
	if !json.Valid(payload) {
		return nil, fmt.Errorf("snapshot is not valid json: %s", objectKey)
	}
	return json.RawMessage(payload), nil
}

// EnsureLifecyclePolicy expires archived snapshots after the retention
// window so the bucket does not grow without bound.
func (s *S3Store) EnsureLifecyclePolicy(ctx context.Context, expirationDays int) error {
	if expirationDays < 1 {
		return fmt.Errorf("expirationDays must be >= 1")
	}

	abortDays := int32(1)
	if expirationDays >= 7 {
		abortDays = 7
	} else if expirationDays > 1 {
		abortDays = int32(expirationDays)
	}

	rule := types.LifecycleRule{
		ID:     aws.String("attendance-snapshot-expire"),
		Status: types.ExpirationStatusEnabled,
		Filter: &types.LifecycleRuleFilter{Prefix: aws.String(snapshotPrefix)},
		Expiration: &types.LifecycleExpiration{
			Days: aws.Int32(int32(expirationDays)),
		},
		AbortIncompleteMultipartUpload: &types.AbortIncompleteMultipartUpload{
			DaysAfterInitiation: aws.Int32(abortDays),
		},
	}

	_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(s.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{rule},
		},
	})
	if err != nil {
		return fmt.Errorf("put bucket lifecycle configuration: %w", err)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}
