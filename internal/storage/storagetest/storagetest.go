// Package storagetest provides in-memory doubles and fixtures for code that
// depends on the storage package.
package storagetest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/maneesh/filerelay/internal/storage"
)

// ObjectClient is an in-memory storage.ObjectClient that answers like an
// S3 endpoint: missing keys fail with a NoSuchKey error response and
// removing a missing key succeeds.
type ObjectClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string

	// FailPut, FailGet and FailRemove, when set, are returned by the
	// matching call instead of touching the store.
	FailPut    error
	FailGet    error
	FailRemove error
}

// NewObjectClient returns an empty client
func NewObjectClient() *ObjectClient {
	return &ObjectClient{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// PutObject stores the full contents of r
func (c *ObjectClient) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailPut != nil {
		return c.FailPut
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.objects[objectKey(bucket, key)] = data
	c.types[objectKey(bucket, key)] = contentType
	return nil
}

// GetObject returns a reader over a copy of the stored bytes
func (c *ObjectClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailGet != nil {
		return nil, c.FailGet
	}
	data, ok := c.objects[objectKey(bucket, key)]
	if !ok {
		return nil, NoSuchKey(key)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

// RemoveObject deletes the key; absent keys are not an error
func (c *ObjectClient) RemoveObject(ctx context.Context, bucket, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailRemove != nil {
		return c.FailRemove
	}
	delete(c.objects, objectKey(bucket, key))
	delete(c.types, objectKey(bucket, key))
	return nil
}

// Has reports whether key is stored in bucket
func (c *ObjectClient) Has(bucket, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.objects[objectKey(bucket, key)]
	return ok
}

// ContentType returns the content type key was stored with
func (c *ObjectClient) ContentType(bucket, key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.types[objectKey(bucket, key)]
}

// Len returns the number of stored objects
func (c *ObjectClient) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// SetFailRemove sets FailRemove under the client lock
func (c *ObjectClient) SetFailRemove(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FailRemove = err
}

// NoSuchKey builds the error response S3 returns for a missing key
func NoSuchKey(key string) error {
	return minio.ErrorResponse{
		Code:       "NoSuchKey",
		Message:    "The specified key does not exist.",
		Key:        key,
		StatusCode: http.StatusNotFound,
	}
}

// NewCatalog opens a migrated SQLite catalog in a temp directory that is
// removed when the test ends
func NewCatalog(t testing.TB) *storage.Catalog {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "catalog.db") + "?_pragma=busy_timeout(5000)"
	catalog, err := storage.OpenCatalog(context.Background(), "sqlite", dsn)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })
	return catalog
}
