package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/filerelay/internal/apperr"
)

// LocalBackend keeps file bytes as plain files under a managed root directory
type LocalBackend struct {
	root string
}

// NewLocalBackend creates the root directory if needed
func NewLocalBackend(root string) (*LocalBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve local root: %v", apperr.ErrConfiguration, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create local root: %v", apperr.ErrConfiguration, err)
	}
	return &LocalBackend{root: abs}, nil
}

// Root returns the managed directory
func (lb *LocalBackend) Root() string {
	return lb.root
}

func (lb *LocalBackend) path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(lb.root, name), nil
}

// Put writes to a temp file in the root, fsyncs, then renames into place.
// The temp file is removed on any failure.
func (lb *LocalBackend) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) error {
	ctx, span := tracer.Start(ctx, "local.put",
		trace.WithAttributes(
			attribute.String("stored_name", name),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	fullPath, err := lb.path(name)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if _, err := os.Stat(fullPath); err == nil {
		err = fmt.Errorf("%w: stored name %q already in use", apperr.ErrStorageIO, name)
		span.RecordError(err)
		return err
	}

	f, err := os.CreateTemp(lb.root, ".upload-*")
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: create temp file: %v", apperr.ErrStorageIO, err)
	}
	tmpPath := f.Name()

	written, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		span.RecordError(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, apperr.ErrTooLarge) {
			return err
		}
		return fmt.Errorf("%w: write %s: %v", apperr.ErrStorageIO, name, err)
	}
	if size >= 0 && written != size {
		f.Close()
		os.Remove(tmpPath)
		err := fmt.Errorf("%w: declared size %d, received %d", apperr.ErrValidation, size, written)
		span.RecordError(err)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		span.RecordError(err)
		return fmt.Errorf("%w: fsync %s: %v", apperr.ErrStorageIO, name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		span.RecordError(err)
		return fmt.Errorf("%w: close %s: %v", apperr.ErrStorageIO, name, err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		span.RecordError(err)
		return fmt.Errorf("%w: rename %s: %v", apperr.ErrStorageIO, name, err)
	}

	span.SetAttributes(attribute.Int64("written_bytes", written))
	return nil
}

// Get opens the stored file for streaming
func (lb *LocalBackend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	_, span := tracer.Start(ctx, "local.get",
		trace.WithAttributes(attribute.String("stored_name", name)),
	)
	defer span.End()

	fullPath, err := lb.path(name)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			span.SetAttributes(attribute.Bool("found", false))
			return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, name)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("%w: open %s: %v", apperr.ErrStorageIO, name, err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return f, nil
}

// Delete removes the stored file. A file that is already gone counts as deleted.
func (lb *LocalBackend) Delete(ctx context.Context, name string) error {
	_, span := tracer.Start(ctx, "local.delete",
		trace.WithAttributes(attribute.String("stored_name", name)),
	)
	defer span.End()

	fullPath, err := lb.path(name)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		return fmt.Errorf("%w: remove %s: %v", apperr.ErrStorageIO, name, err)
	}
	return nil
}
