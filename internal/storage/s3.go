package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cloo-solutions/forensix/internal/domain"
)

const (
	// digestMetaKey is the user metadata entry carrying the hex SHA-256 of an object body.
	digestMetaKey        = "sha256"
	defaultPresignExpiry = 15 * time.Minute
)

// S3ClientConfig holds configuration for S3Client
type S3ClientConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UsePathStyle    bool
	// PresignExpiry bounds report download links. Zero means 15 minutes.
	PresignExpiry time.Duration
}

// S3Client mirrors reports and derived artifacts to S3-compatible storage (e.g., RustFS).
// Every object is written with the SHA-256 of its body, and reads refuse bodies that no
// longer match it. The local store stays authoritative.
type S3Client struct {
	api     *s3.Client
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

// NewS3Client builds a client with static credentials against cfg.Endpoint.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*S3Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	return &S3Client{
		api:     api,
		presign: s3.NewPresignClient(api),
		bucket:  cfg.Bucket,
		expiry:  expiry,
	}, nil
}

// ReportKey is the object key of an artifact's current report.
func ReportKey(caseID, artifactID string) string {
	return path.Join(caseID, artifactID, ReportFile)
}

// HeatmapKey is the object key of an artifact's ELA heat-map.
func HeatmapKey(caseID, artifactID string) string {
	return path.Join(caseID, artifactID, HeatmapFile)
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// PutObject uploads body under key, recording its SHA-256 in the object metadata.
func (c *S3Client) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{digestMetaKey: digest(body)},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// GetObject downloads key and checks the body against its recorded digest. Objects written
// without a digest are returned unchecked.
func (c *S3Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, mapNotFound(err))
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if err := checkDigest(out.Metadata[digestMetaKey], body); err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return body, nil
}

func checkDigest(want string, body []byte) error {
	if want == "" || want == digest(body) {
		return nil
	}
	return domain.IntegrityError("mirrored object does not match its recorded sha256", domain.ErrCanonicalDrift)
}

// GenerateDownloadURL presigns a GET for key that expires after the configured window.
func (c *S3Client) GenerateDownloadURL(ctx context.Context, key string) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(c.expiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// ObjectMetadata describes a mirrored object.
type ObjectMetadata struct {
	ContentLength int64
	ContentType   string
	ETag          string
	SHA256        string
	LastModified  time.Time
}

// HeadObject returns the metadata of key, or domain.ErrNotMirrored when it does not exist.
func (c *S3Client) HeadObject(ctx context.Context, key string) (*ObjectMetadata, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", key, mapNotFound(err))
	}

	return &ObjectMetadata{
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentType:   aws.ToString(out.ContentType),
		ETag:          aws.ToString(out.ETag),
		SHA256:        out.Metadata[digestMetaKey],
		LastModified:  aws.ToTime(out.LastModified),
	}, nil
}

// mapNotFound turns the SDK's missing-key errors into domain.ErrNotMirrored.
func mapNotFound(err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", domain.ErrNotMirrored, err)
	}
	return err
}

// EnsureBucket creates the bucket unless it already exists. Some S3-compatible servers answer
// HeadBucket on a missing bucket with 403, so any HeadBucket failure falls through to a create.
func (c *S3Client) EnsureBucket(ctx context.Context) error {
	if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err == nil {
		return nil
	}

	_, err := c.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)})
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if err != nil && !errors.As(err, &owned) && !errors.As(err, &exists) {
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}
