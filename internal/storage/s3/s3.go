// Package s3 uploads rotated ledger segments to S3-compatible storage.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"ghostwall/internal/config"
)

// Object is one upload.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// Uploader stores objects.
type Uploader interface {
	Upload(ctx context.Context, obj Object) error
}

// Client is an S3 client for archive uploads.
type Client struct {
	client       *s3.Client
	bucket       string
	prefix       string
	storageClass types.StorageClass
	logger       *slog.Logger

	bytesUploaded   atomic.Int64
	objectsUploaded atomic.Int64
	errors          atomic.Int64
}

// ClientMetrics contains upload statistics.
type ClientMetrics struct {
	BytesUploaded   int64 `json:"bytes_uploaded"`
	ObjectsUploaded int64 `json:"objects_uploaded"`
	Errors          int64 `json:"errors"`
}

// NewClient creates a new S3 client.
func NewClient(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(3),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	c := &Client{
		client:       s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:       cfg.Bucket,
		prefix:       cfg.Prefix,
		storageClass: StorageClass(cfg.StorageClass),
		logger:       logger,
	}

	logger.Info("s3 client initialized",
		"bucket", cfg.Bucket,
		"region", region,
		"storage_class", c.storageClass,
	)
	return c, nil
}

// StorageClass maps a configured name to the S3 storage class type.
func StorageClass(name string) types.StorageClass {
	switch strings.ToUpper(name) {
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "ONEZONE_IA":
		return types.StorageClassOnezoneIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "GLACIER_IR":
		return types.StorageClassGlacierIr
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// Upload puts obj under the configured prefix.
func (c *Client) Upload(ctx context.Context, obj Object) error {
	key := c.prefix + obj.Key
	input := &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(obj.Body),
		StorageClass: c.storageClass,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if len(obj.Metadata) > 0 {
		input.Metadata = obj.Metadata
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("s3: failed to upload object %s: %w", key, err)
	}

	c.bytesUploaded.Add(int64(len(obj.Body)))
	c.objectsUploaded.Add(1)
	c.logger.Debug("uploaded object", "key", key, "size", len(obj.Body))
	return nil
}

// Metrics returns upload statistics.
func (c *Client) Metrics() ClientMetrics {
	return ClientMetrics{
		BytesUploaded:   c.bytesUploaded.Load(),
		ObjectsUploaded: c.objectsUploaded.Load(),
		Errors:          c.errors.Load(),
	}
}
