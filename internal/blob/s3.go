// Package blob generates time-limited download URLs for stored source videos.
package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// presignTTL is how long a generated download URL stays valid. Long enough to
// cover a slow download of a large source file.
const presignTTL = time.Hour

// StoreConfig carries the S3 connection settings, resolved in main.
type StoreConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Store issues presigned GET URLs against one configured bucket. Construct it
// once and inject it; it is safe for concurrent use.
type Store struct {
	presigner *s3.PresignClient
	bucket    string
}

// New builds a Store from explicit credentials. When AccessKey is empty the
// default AWS credential chain is used instead.
func New(ctx context.Context, cfg StoreConfig) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Store{
		presigner: s3.NewPresignClient(s3.NewFromConfig(awsCfg)),
		bucket:    cfg.Bucket,
	}, nil
}

// PresignGet returns a presigned download URL for key, valid for one hour.
func (s *Store) PresignGet(ctx context.Context, key string) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignTTL))
	if err != nil {
		return "", fmt.Errorf("presign get %q: %w", key, err)
	}
	return req.URL, nil
}
