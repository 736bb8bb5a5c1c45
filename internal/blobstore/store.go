// Package blobstore keeps small JSON documents in memory or S3. Writes can be made conditional
// on the document being absent or on its current ETag, so two writers of one key cannot silently
// overwrite each other.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 1 << 20
)

var (
	ErrInvalidConfig      = errors.New("blobstore: invalid config")
	ErrInvalidKey         = errors.New("blobstore: invalid key")
	ErrNotFound           = errors.New("blobstore: not found")
	ErrTooLarge           = errors.New("blobstore: object too large")
	ErrPreconditionFailed = errors.New("blobstore: precondition failed")
)

type Store interface {
	// Put writes payload and returns the new ETag. A failed condition returns
	// ErrPreconditionFailed.
	Put(ctx context.Context, key string, payload []byte, opts PutOptions) (string, error)
	Get(ctx context.Context, key string) (Object, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
}

type PutOptions struct {
	ContentType string

	// IfAbsent only creates. IfMatch only overwrites the object with that ETag.
	IfAbsent bool
	IfMatch  string
}

func (o PutOptions) validate() error {
	if o.IfAbsent && o.IfMatch != "" {
		return fmt.Errorf("%w: IfAbsent and IfMatch are exclusive", ErrInvalidConfig)
	}
	return nil
}

// Object is a stored document. ETag carries no surrounding quotes.
type Object struct {
	Data []byte
	ETag string
}

type Config struct {
	// Driver is memory (the default) or s3.
	Driver string
	Prefix string

	// MaxGetSize bounds the bytes Get reads from S3. Defaults to 1 MiB when <= 0.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	ks := keyspace{prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/")}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return &memoryStore{keys: ks, objects: make(map[string]memoryObject)}, nil
	case DriverS3:
		s3s, err := newS3Store(cfg, ks)
		if err != nil {
			return nil, err
		}
		return s3s, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// keyspace maps caller keys to stored keys under an optional prefix.
type keyspace struct {
	prefix string
}

func (k keyspace) resolve(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidKey, key)
	}
	name := strings.TrimPrefix(key, "/")
	if name == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.IndexFunc(name, func(r rune) bool { return r < 0x20 || r == 0x7f }) >= 0 {
		return "", fmt.Errorf("%w: control character in key", ErrInvalidKey)
	}
	if k.prefix == "" {
		return name, nil
	}
	return k.prefix + "/" + name, nil
}

func unquoteETag(v string) string {
	return strings.Trim(strings.TrimSpace(v), `"`)
}
