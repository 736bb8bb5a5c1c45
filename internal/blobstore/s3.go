package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client is the subset of *s3.Client the store uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type s3Store struct {
	client  S3Client
	bucket  string
	keys    keyspace
	maxSize int64
}

func newS3Store(cfg Config, ks keyspace) (*s3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxSize := cfg.MaxGetSize
	if maxSize <= 0 {
		maxSize = defaultMaxGetSize
	}
	return &s3Store{client: cfg.S3Client, bucket: bucket, keys: ks, maxSize: maxSize}, nil
}

// Put maps IfAbsent and IfMatch onto S3 conditional writes (If-None-Match: * and If-Match).
func (s *s3Store) Put(ctx context.Context, key string, payload []byte, opts PutOptions) (string, error) {
	name, err := s.keys.resolve(key)
	if err != nil {
		return "", err
	}
	if err := opts.validate(); err != nil {
		return "", err
	}

	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
		Body:   bytes.NewReader(payload),
	}
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		in.ContentType = aws.String(ct)
	}
	switch {
	case opts.IfAbsent:
		in.IfNoneMatch = aws.String("*")
	case opts.IfMatch != "":
		in.IfMatch = aws.String(`"` + unquoteETag(opts.IfMatch) + `"`)
	}

	out, err := s.client.PutObject(ctx, in)
	switch {
	case err == nil:
		return unquoteETag(aws.ToString(out.ETag)), nil
	case hasErrorCode(err, "PreconditionFailed", "ConditionalRequestConflict", "412"):
		return "", fmt.Errorf("%w: %s", ErrPreconditionFailed, key)
	default:
		return "", fmt.Errorf("blobstore/s3: put %q: %w", key, err)
	}
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	name, err := s.keys.resolve(key)
	if err != nil {
		return Object{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > s.maxSize {
		return Object{}, fmt.Errorf("%w: %q exceeds %d bytes", ErrTooLarge, key, s.maxSize)
	}
	return Object{Data: data, ETag: unquoteETag(aws.ToString(out.ETag))}, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	name, err := s.keys.resolve(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("blobstore/s3: delete %q: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return hasErrorCode(err, "NoSuchKey", "NotFound", "404")
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}
