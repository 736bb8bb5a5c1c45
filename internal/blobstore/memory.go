package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
)

type memoryStore struct {
	keys keyspace

	mu      sync.Mutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data []byte
	etag string
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) (string, error) {
	name, err := m.keys.resolve(key)
	if err != nil {
		return "", err
	}
	if err := opts.validate(); err != nil {
		return "", err
	}
	sum := md5.Sum(payload)
	etag := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.objects[name]
	switch {
	case opts.IfAbsent && exists:
		return "", fmt.Errorf("%w: %s exists", ErrPreconditionFailed, key)
	case opts.IfMatch != "" && (!exists || cur.etag != unquoteETag(opts.IfMatch)):
		return "", fmt.Errorf("%w: %s changed", ErrPreconditionFailed, key)
	}
	m.objects[name] = memoryObject{data: append([]byte(nil), payload...), etag: etag}
	return etag, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	name, err := m.keys.resolve(key)
	if err != nil {
		return Object{}, err
	}

	m.mu.Lock()
	obj, ok := m.objects[name]
	m.mu.Unlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return Object{Data: append([]byte(nil), obj.data...), ETag: obj.etag}, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	name, err := m.keys.resolve(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.objects, name)
	m.mu.Unlock()
	return nil
}
