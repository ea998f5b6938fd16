package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultObjectStorageRequestTimeout = 30 * time.Second

// ObjectStorageConfig describes an S3-compatible bucket used to archive
// rendered sample labels.
type ObjectStorageConfig struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	PathStyle      bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
}

// Enabled reports whether a bucket has been configured.
func (cfg ObjectStorageConfig) Enabled() bool {
	return strings.TrimSpace(cfg.Bucket) != ""
}

func (cfg ObjectStorageConfig) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultObjectStorageRequestTimeout
	}
	return cfg.RequestTimeout
}

// ObjectReference locates an archived object.
type ObjectReference struct {
	Key string
	URL string
}

// LabelArchive persists rendered label images outside the datastore.
type LabelArchive interface {
	Enabled() bool
	Upload(ctx context.Context, key, contentType string, body []byte) (ObjectReference, error)
	Delete(ctx context.Context, key string) error
}

type noopLabelArchive struct{}

func (noopLabelArchive) Enabled() bool { return false }

func (noopLabelArchive) Upload(context.Context, string, string, []byte) (ObjectReference, error) {
	return ObjectReference{}, nil
}

func (noopLabelArchive) Delete(context.Context, string) error {
	return nil
}

// NewLabelArchive returns an S3 archive when a bucket is configured and a
// no-op archive otherwise.
func NewLabelArchive(ctx context.Context, cfg ObjectStorageConfig) (LabelArchive, error) {
	if !cfg.Enabled() {
		return noopLabelArchive{}, nil
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if access, secret := strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey); access != "" && secret != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(access, secret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load object storage config: %w", err)
	}

	endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle || endpoint != "" {
			o.UsePathStyle = true
		}
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	sanitized := cfg
	sanitized.Bucket = strings.TrimSpace(cfg.Bucket)
	return &s3LabelArchive{client: client, cfg: sanitized}, nil
}

func normalizeEndpoint(raw string, useSSL bool) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if strings.Contains(trimmed, "://") {
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			return strings.TrimRight(parsed.String(), "/")
		}
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + strings.TrimRight(trimmed, "/")
}

type s3LabelArchive struct {
	client *s3.Client
	cfg    ObjectStorageConfig
}

func (a *s3LabelArchive) Enabled() bool { return true }

func (a *s3LabelArchive) Upload(ctx context.Context, key, contentType string, body []byte) (ObjectReference, error) {
	finalKey := a.applyPrefix(key)
	ctx, cancel := context.WithTimeout(ctx, a.cfg.requestTimeout())
	defer cancel()
	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(finalKey),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return ObjectReference{}, fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	return ObjectReference{Key: finalKey, URL: a.publicURL(finalKey)}, nil
}

func (a *s3LabelArchive) Delete(ctx context.Context, key string) error {
	finalKey := a.applyPrefix(key)
	ctx, cancel := context.WithTimeout(ctx, a.cfg.requestTimeout())
	defer cancel()
	if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(finalKey),
	}); err != nil {
		return fmt.Errorf("delete object %s: %w", finalKey, err)
	}
	return nil
}

func (a *s3LabelArchive) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(a.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (a *s3LabelArchive) publicURL(key string) string {
	base := strings.TrimSpace(a.cfg.PublicEndpoint)
	if base == "" {
		return ""
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}
