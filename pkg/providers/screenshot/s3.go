package screenshot

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/usewisp/wisp/pkg/engine"
)

// S3Uploader writes objects to one bucket.
type S3Uploader struct {
	client *s3.Client
	config StorageConfig
}

// NewS3Uploader loads the default AWS configuration, overridden by the
// static credentials and endpoint of cfg when set.
func NewS3Uploader(ctx context.Context, cfg StorageConfig) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, engine.NewValidationError("screenshot storage bucket is required", nil).
			WithOperation("new_s3_uploader")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, engine.NewValidationError("failed to load aws configuration", err).
			WithOperation("new_s3_uploader")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Uploader{client: client, config: cfg}, nil
}

// Upload puts data under key and returns the object's public URL.
func (u *S3Uploader) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		CacheControl:  aws.String("public, max-age=300"),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", u.config.Bucket, key, err)
	}
	return u.PublicURL(key), nil
}

// PublicURL returns the address clients fetch key from.
func (u *S3Uploader) PublicURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	switch {
	case u.config.PublicBaseURL != "":
		return strings.TrimSuffix(u.config.PublicBaseURL, "/") + "/" + escaped
	case u.config.Endpoint != "":
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(u.config.Endpoint, "/"), u.config.Bucket, escaped)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.config.Bucket, u.config.Region, escaped)
	}
}
