package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Config configures the S3 artifact backend. Endpoint is optional and
// supports S3-compatible stores (MinIO and the like).
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SignedURLTTL    time.Duration
}

// S3 stores artifacts in a private S3 bucket and returns presigned GET URLs.
type S3 struct {
	client *s3.S3
	bucket string
	ttl    time.Duration
}

// NewS3 builds an S3 store from config.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 artifact store: bucket is required")
	}
	if cfg.SignedURLTTL <= 0 {
		return nil, fmt.Errorf("s3 artifact store: signed url ttl must be positive")
	}

	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3 artifact store: create session: %w", err)
	}

	return &S3{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		ttl:    cfg.SignedURLTTL,
	}, nil
}

// Put uploads the payload and presigns a GET URL valid for the configured
// TTL. The object ACL is never touched: the bucket stays private and the
// presigned URL is the only access path.
func (s *S3) Put(ctx context.Context, path string, data []byte, contentType string) (*Object, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	if int64(len(data)) > MaxArtifactSize {
		return nil, ErrTooLarge
	}

	h := sha256.Sum256(data)

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", path, err)
	}

	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	url, err := req.Presign(s.ttl)
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", path, err)
	}

	return &Object{
		Path:        path,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		URL:         url,
		ExpiresAt:   time.Now().UTC().Add(s.ttl),
	}, nil
}
