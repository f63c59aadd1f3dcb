// Package s3store implements the object store port on any S3-compatible
// backend (AWS S3, MinIO). Uploads run with SDK retries disabled so that
// callers decide whether an operation is best-effort or fatal.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"

	"github.com/influencerai/worker/internal/adapter/observability"
	"github.com/influencerai/worker/internal/config"
	"github.com/influencerai/worker/internal/domain"
)

const detectHeaderSize = 3072

// Store uploads artifacts and signs download URLs against a single bucket.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// New builds the S3 client from worker configuration. A non-empty
// S3_ENDPOINT switches the client to path-style addressing for
// MinIO-compatible backends.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.S3Key != "" && cfg.S3Secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3Key, cfg.S3Secret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("op=s3store.New: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.S3Bucket,
	}, nil
}

// PutText stores a UTF-8 text object under key.
func (s *Store) PutText(ctx domain.Context, key, text string) error {
	return s.put(ctx, key, strings.NewReader(text), "text/plain; charset=utf-8")
}

// PutBinary stores an arbitrary object under key. An empty contentType is
// detected from the first bytes of the stream.
func (s *Store) PutBinary(ctx domain.Context, key string, r io.Reader, contentType string) error {
	if contentType == "" {
		header := make([]byte, detectHeaderSize)
		n, err := io.ReadFull(r, header)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return fmt.Errorf("op=s3store.PutBinary key=%s: %w", key, err)
		}
		contentType = mimetype.Detect(header[:n]).String()
		r = io.MultiReader(bytes.NewReader(header[:n]), r)
	}
	return s.put(ctx, key, r, contentType)
}

func (s *Store) put(ctx context.Context, key string, r io.Reader, contentType string) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
	})
	observability.ObserveObjectStoreOp("put", time.Since(start))
	if err != nil {
		return fmt.Errorf("op=s3store.put bucket=%s key=%s: %w", s.bucket, key, err)
	}
	slog.Debug("object stored", slog.String("bucket", s.bucket), slog.String("key", key), slog.String("content_type", contentType))
	return nil
}

// SignedGetURL returns a presigned GET URL for key valid for ttl.
func (s *Store) SignedGetURL(ctx domain.Context, key string, ttl time.Duration) (string, error) {
	start := time.Now()
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	observability.ObserveObjectStoreOp("presign", time.Since(start))
	if err != nil {
		return "", fmt.Errorf("op=s3store.SignedGetURL bucket=%s key=%s: %w", s.bucket, key, err)
	}
	return req.URL, nil
}
