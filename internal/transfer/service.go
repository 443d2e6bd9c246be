// Package transfer coordinates the three public operations of the relay:
// accepting an upload, serving a download and deleting by private key.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/filerelay/internal/apperr"
	"github.com/maneesh/filerelay/internal/keygen"
	"github.com/maneesh/filerelay/internal/models"
	"github.com/maneesh/filerelay/internal/ratelimit"
	"github.com/maneesh/filerelay/internal/storage"
)

var tracer = otel.Tracer("filerelay-transfer")

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filerelay_operations_total",
			Help: "Transfer operations by outcome",
		},
		[]string{"operation", "result"},
	)

	uploadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filerelay_uploaded_bytes_total",
		Help: "Bytes accepted by successful uploads",
	})
)

// Catalog is the subset of the file record store the orchestrator needs
type Catalog interface {
	Insert(ctx context.Context, rec *models.FileRecord) error
	FindByPublicHash(ctx context.Context, publicHash string) (*models.FileRecord, error)
	RecordDownload(ctx context.Context, publicHash, source string, at time.Time) error
	TakeByPrivateHash(ctx context.Context, privateHash string, at time.Time) (*models.FileRecord, error)
	ClearPendingDeletion(ctx context.Context, storedName string) error
}

// Service is the transfer orchestrator
type Service struct {
	backend storage.Backend
	catalog Catalog
	cache   storage.MetadataCache
	limiter *ratelimit.Limiter
	keys    *keygen.Generator
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now for record timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithKeyGenerator replaces the crypto/rand backed key generator
func WithKeyGenerator(g *keygen.Generator) Option {
	return func(s *Service) {
		s.keys = g
	}
}

// NewService creates a transfer orchestrator. A nil cache disables caching.
func NewService(
	backend storage.Backend,
	catalog Catalog,
	cache storage.MetadataCache,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if cache == nil {
		cache = storage.NopCache{}
	}
	s := &Service{
		backend: backend,
		catalog: catalog,
		cache:   cache,
		limiter: limiter,
		keys:    keygen.NewGenerator(),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "transfer")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload stores the bytes, persists a new record and returns the raw key
// pair. The keys are returned here and nowhere else.
func (s *Service) Upload(ctx context.Context, req models.UploadRequest) (*models.UploadResult, error) {
	ctx, span := tracer.Start(ctx, "transfer.upload",
		trace.WithAttributes(attribute.Int64("declared_size", req.Size)),
	)
	defer span.End()

	result, err := s.upload(ctx, req)
	if err != nil {
		span.RecordError(err)
		operationsTotal.WithLabelValues("upload", apperr.Code(err)).Inc()
		return nil, err
	}
	operationsTotal.WithLabelValues("upload", "ok").Inc()
	return result, nil
}

func (s *Service) upload(ctx context.Context, req models.UploadRequest) (*models.UploadResult, error) {
	if req.Body == nil {
		return nil, fmt.Errorf("%w: missing file payload", apperr.ErrValidation)
	}
	originalName := cleanOriginalName(req.OriginalName)
	if originalName == "" {
		return nil, fmt.Errorf("%w: missing file name", apperr.ErrValidation)
	}

	reservation, err := s.limiter.Admit(ctx, ratelimit.ActionUpload, req.SourceIP)
	if err != nil {
		return nil, err
	}
	defer reservation.Release()

	publicKey, privateKey, err := s.keys.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys: %w", err)
	}

	now := s.now()
	id := uuid.New()
	rec := &models.FileRecord{
		ID:             id.String(),
		PublicKeyHash:  keygen.Hash(publicKey),
		PrivateKeyHash: keygen.Hash(privateKey),
		StoredName:     storedName(now, id, originalName),
		OriginalName:   originalName,
		MimeType:       resolveMimeType(req.MimeType, originalName),
		SourceIP:       req.SourceIP,
	}

	body := &countingReader{r: req.Body}
	if err := s.backend.Put(ctx, rec.StoredName, body, req.Size, rec.MimeType); err != nil {
		s.logger.Warn("failed to store upload",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	rec.SizeBytes = body.n

	err = reservation.Commit(func(at time.Time) error {
		rec.UploadedAt = at
		rec.UpdatedAt = at
		return s.catalog.Insert(ctx, rec)
	})
	if err != nil {
		s.removeOrphan(ctx, rec)
		return nil, fmt.Errorf("failed to persist file record: %w", err)
	}

	uploadedBytesTotal.Add(float64(rec.SizeBytes))
	s.logger.Info("file uploaded",
		slog.String("file_id", rec.ID),
		slog.Int64("size_bytes", rec.SizeBytes),
		slog.String("mime_type", rec.MimeType),
	)

	return &models.UploadResult{PublicKey: publicKey, PrivateKey: privateKey}, nil
}

// removeOrphan deletes bytes whose record could not be persisted. It runs
// even if the request was cancelled.
func (s *Service) removeOrphan(ctx context.Context, rec *models.FileRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := s.backend.Delete(ctx, rec.StoredName); err != nil {
		s.logger.Error("failed to remove orphaned upload",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Warn("removed orphaned upload after catalog failure", slog.String("file_id", rec.ID))
}

// Download resolves the public key, charges the source's daily allowance,
// counts the download and opens the stored bytes. The caller closes Body.
func (s *Service) Download(ctx context.Context, publicKey, source string) (*models.Download, error) {
	ctx, span := tracer.Start(ctx, "transfer.download")
	defer span.End()

	dl, err := s.download(ctx, publicKey, source)
	if err != nil {
		span.RecordError(err)
		operationsTotal.WithLabelValues("download", apperr.Code(err)).Inc()
		return nil, err
	}
	operationsTotal.WithLabelValues("download", "ok").Inc()
	return dl, nil
}

func (s *Service) download(ctx context.Context, publicKey, source string) (*models.Download, error) {
	if !keygen.WellFormed(publicKey) {
		return nil, fmt.Errorf("%w: malformed public key", apperr.ErrValidation)
	}
	publicHash := keygen.Hash(publicKey)

	rec, err := s.lookup(ctx, publicKey, publicHash)
	if err != nil {
		return nil, err
	}

	reservation, err := s.limiter.Admit(ctx, ratelimit.ActionDownload, source)
	if err != nil {
		return nil, err
	}
	defer reservation.Release()

	err = reservation.Commit(func(at time.Time) error {
		return s.catalog.RecordDownload(ctx, publicHash, source, at)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			// removed between lookup and count
			s.invalidate(ctx, publicHash)
		}
		return nil, err
	}

	body, err := s.backend.Get(ctx, rec.StoredName)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			s.logger.Error("catalog record has no stored bytes",
				slog.String("file_id", rec.ID),
			)
			return nil, fmt.Errorf("%w: file %s", apperr.ErrMissingBytes, rec.ID)
		}
		return nil, err
	}

	return &models.Download{
		Body:         body,
		OriginalName: rec.OriginalName,
		MimeType:     rec.MimeType,
		SizeBytes:    rec.SizeBytes,
	}, nil
}

// lookup reads through the metadata cache. Cache faults are logged and
// bypassed.
func (s *Service) lookup(ctx context.Context, publicKey, publicHash string) (*models.FileRecord, error) {
	rec, err := s.cache.Get(ctx, publicHash)
	if err != nil {
		s.logger.Warn("metadata cache read failed", slog.String("error", err.Error()))
	} else if rec != nil && keygen.Verify(publicKey, rec.PublicKeyHash) {
		return rec, nil
	}

	rec, err = s.catalog.FindByPublicHash(ctx, publicHash)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, publicHash, rec); err != nil {
		s.logger.Warn("metadata cache write failed", slog.String("error", err.Error()))
	}
	return rec, nil
}

func (s *Service) invalidate(ctx context.Context, publicHash string) {
	if err := s.cache.Invalidate(ctx, publicHash); err != nil {
		s.logger.Warn("metadata cache invalidate failed", slog.String("error", err.Error()))
	}
}

// Delete removes the record owning privateKey and then its bytes. Of two
// concurrent deletes with the same key, exactly one succeeds; the other gets
// apperr.ErrNotFound.
func (s *Service) Delete(ctx context.Context, privateKey string) error {
	ctx, span := tracer.Start(ctx, "transfer.delete")
	defer span.End()

	if err := s.delete(ctx, privateKey); err != nil {
		span.RecordError(err)
		operationsTotal.WithLabelValues("delete", apperr.Code(err)).Inc()
		return err
	}
	operationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

func (s *Service) delete(ctx context.Context, privateKey string) error {
	if !keygen.WellFormed(privateKey) {
		return fmt.Errorf("%w: malformed private key", apperr.ErrValidation)
	}

	rec, err := s.catalog.TakeByPrivateHash(ctx, keygen.Hash(privateKey), s.now())
	if err != nil {
		return err
	}
	s.invalidate(ctx, rec.PublicKeyHash)

	if err := s.backend.Delete(ctx, rec.StoredName); err != nil {
		// the outbox row stays; the sweeper retries it
		s.logger.Error("failed to delete stored bytes",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	if err := s.catalog.ClearPendingDeletion(ctx, rec.StoredName); err != nil {
		s.logger.Warn("failed to clear pending deletion",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("file deleted", slog.String("file_id", rec.ID))
	return nil
}

// countingReader records how many bytes the backend consumed
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
