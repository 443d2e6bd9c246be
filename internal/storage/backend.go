// Package storage holds the persistence side of the relay: the byte backends
// (local directory or S3-compatible object store), the SQL catalog of file
// records, and the metadata cache in front of catalog lookups.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/maneesh/filerelay/internal/apperr"
	"github.com/maneesh/filerelay/internal/config"
)

var tracer = otel.Tracer("filerelay-storage")

// Backend stores file bytes under a flat namespace of stored names.
//
// All variants share the same contract: Get of an absent name fails with an
// error matching apperr.ErrNotFound, Delete of an absent name succeeds, and
// transient faults match apperr.ErrStorageIO. Nothing is retried here.
type Backend interface {
	// Put streams r under name. size is the exact byte count or -1 if unknown.
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) error
	// Get opens a lazily consumed stream of the bytes under name. The caller closes it.
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	// Delete removes name.
	Delete(ctx context.Context, name string) error
}

// NewBackend builds the backend selected by cfg.Provider. It runs once at
// startup; an unknown provider is a configuration error.
func NewBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Provider {
	case config.ProviderLocal:
		logger.Info("using local storage backend", slog.String("root", cfg.LocalRoot))
		return NewLocalBackend(cfg.LocalRoot)
	case config.ProviderS3, config.ProviderMinIO:
		client, err := NewMinioObjectClient(
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIORegion,
			cfg.MinIOUseSSL,
		)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx, cfg.MinIOBucketName, logger); err != nil {
			return nil, err
		}
		logger.Info("using remote object storage backend",
			slog.String("endpoint", cfg.MinIOEndpoint),
			slog.String("bucket", cfg.MinIOBucketName),
		)
		return NewRemoteBackend(client, cfg.MinIOBucketName), nil
	default:
		return nil, fmt.Errorf("%w: unsupported storage provider %q", apperr.ErrConfiguration, cfg.Provider)
	}
}

// validName rejects stored names that could leave the managed namespace.
// Stored names are generated by the relay, so anything that is not a single
// plain path element is refused rather than rewritten.
func validName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: empty or reserved stored name", apperr.ErrValidation)
	}
	if strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: stored name %q is not a plain file name", apperr.ErrValidation, name)
	}
	return nil
}

// ctxReader stops a copy once the request context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
