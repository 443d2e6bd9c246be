// Package retention retires files nobody has touched for the configured
// inactivity period.
//
// Each sweep runs three phases:
//  1. take every record whose updated_at is older than the cutoff out of the
//     catalog and delete its bytes
//  2. retry physical deletions still queued from earlier failures
//  3. prune download log entries from previous days
//
// The sweeper runs once at start and then on a fixed ticker.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/maneesh/filerelay/internal/models"
	"github.com/maneesh/filerelay/internal/ratelimit"
	"github.com/maneesh/filerelay/internal/storage"
)

var tracer = otel.Tracer("filerelay-retention")

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filerelay_sweep_runs_total",
		Help: "Retention sweeps started",
	})

	sweepFilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filerelay_sweep_files_deleted_total",
		Help: "Inactive files removed by the sweeper",
	})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filerelay_sweep_errors_total",
		Help: "Per-record failures during sweeps",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "filerelay_sweep_duration_seconds",
		Help:    "Sweep duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// DefaultBatchSize bounds how many records one catalog query returns
const DefaultBatchSize = 500

// Catalog is the subset of the file record store the sweeper needs
type Catalog interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.FileRecord, error)
	TakeStale(ctx context.Context, rec *models.FileRecord, cutoff, at time.Time) (bool, error)
	ListPendingDeletions(ctx context.Context, limit int) ([]string, error)
	ClearPendingDeletion(ctx context.Context, storedName string) error
	PruneDownloadLogs(ctx context.Context, before time.Time) (int64, error)
	PruneUploadLogs(ctx context.Context, before time.Time) (int64, error)
}

// SweepResult summarizes one sweep
type SweepResult struct {
	// Deleted is the number of inactive files removed
	Deleted int
	// Errors counts per-record failures; a failed listing counts once
	Errors int
	// Pruned is the number of download and upload log entries removed
	Pruned int64
	// Retried is the number of queued physical deletions completed
	Retried int
	Duration time.Duration
}

// Sweeper is the retention job
type Sweeper struct {
	catalog   Catalog
	backend   storage.Backend
	cache     storage.MetadataCache
	inactive  time.Duration
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex // serializes RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithClock replaces time.Now when computing the cutoff
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// WithBatchSize overrides DefaultBatchSize
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewSweeper creates a sweeper. A nil cache disables invalidation.
func NewSweeper(
	catalog Catalog,
	backend storage.Backend,
	cache storage.MetadataCache,
	inactive time.Duration,
	interval time.Duration,
	logger *slog.Logger,
	opts ...Option,
) *Sweeper {
	if cache == nil {
		cache = storage.NopCache{}
	}
	s := &Sweeper{
		catalog:   catalog,
		backend:   backend,
		cache:     cache,
		inactive:  inactive,
		interval:  interval,
		batchSize: DefaultBatchSize,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "retention")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loop. Call it once.
func (s *Sweeper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)

	s.logger.Info("sweeper started",
		slog.String("interval", s.interval.String()),
		slog.String("inactive_period", s.inactive.String()),
	)
}

// Stop cancels the loop and waits for an in-progress sweep to return
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep. Concurrent calls run one after another.
// Failures on one record are logged and counted; they never stop the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "retention.sweep")
	defer span.End()

	start := time.Now()
	result := &SweepResult{}
	now := s.now()
	cutoff := now.Add(-s.inactive)

	s.logger.Debug("sweep started", slog.Time("cutoff", cutoff))

	failed := make(map[string]bool)
	s.retireStale(ctx, cutoff, now, failed, result)
	s.retryPending(ctx, failed, result)
	s.pruneLogs(ctx, ratelimit.StartOfDay(now), result)

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepFilesDeletedTotal.Add(float64(result.Deleted))
	sweepErrorsTotal.Add(float64(result.Errors))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	span.SetAttributes(
		attribute.Int("deleted", result.Deleted),
		attribute.Int("errors", result.Errors),
		attribute.Int("retried", result.Retried),
		attribute.Int64("pruned", result.Pruned),
	)

	s.logger.Info("sweep finished",
		slog.Int("deleted", result.Deleted),
		slog.Int("errors", result.Errors),
		slog.Int("retried", result.Retried),
		slog.Int64("pruned", result.Pruned),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// retireStale pages through stale records until a page brings nothing new.
// Records are removed from the catalog first, so a concurrent delete or
// download wins cleanly over the sweep.
func (s *Sweeper) retireStale(ctx context.Context, cutoff, now time.Time, failed map[string]bool, result *SweepResult) {
	attempted := make(map[string]bool)

	for ctx.Err() == nil {
		records, err := s.catalog.ListStale(ctx, cutoff, s.batchSize)
		if err != nil {
			s.logger.Error("failed to list stale files", slog.String("error", err.Error()))
			result.Errors++
			return
		}

		fresh := 0
		for _, rec := range records {
			if attempted[rec.ID] {
				continue
			}
			attempted[rec.ID] = true
			fresh++

			removed, err := s.retire(ctx, rec, cutoff, now)
			switch {
			case err != nil:
				failed[rec.StoredName] = true
				result.Errors++
			case removed:
				result.Deleted++
			}
		}

		if len(records) < s.batchSize || fresh == 0 {
			return
		}
	}
}

// retire removes one record and its bytes. It reports false with a nil error
// when the record was refreshed or deleted by someone else since listing.
func (s *Sweeper) retire(ctx context.Context, rec *models.FileRecord, cutoff, now time.Time) (bool, error) {
	taken, err := s.catalog.TakeStale(ctx, rec, cutoff, now)
	if err != nil {
		s.logger.Error("failed to remove stale record",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return false, err
	}
	if !taken {
		s.logger.Debug("stale record changed since listing, skipped", slog.String("file_id", rec.ID))
		return false, nil
	}

	if err := s.cache.Invalidate(ctx, rec.PublicKeyHash); err != nil {
		s.logger.Warn("metadata cache invalidate failed",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.backend.Delete(ctx, rec.StoredName); err != nil {
		// stays in pending_deletions for the next sweep
		s.logger.Error("failed to delete stored bytes",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return false, err
	}
	if err := s.catalog.ClearPendingDeletion(ctx, rec.StoredName); err != nil {
		s.logger.Warn("failed to clear pending deletion",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Debug("inactive file removed",
		slog.String("file_id", rec.ID),
		slog.Time("updated_at", rec.UpdatedAt),
	)
	return true, nil
}

// retryPending finishes physical deletions left over by earlier deletes or
// sweeps. Names that already failed in this run are left for the next one.
func (s *Sweeper) retryPending(ctx context.Context, failed map[string]bool, result *SweepResult) {
	names, err := s.catalog.ListPendingDeletions(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("failed to list pending deletions", slog.String("error", err.Error()))
		result.Errors++
		return
	}

	for _, name := range names {
		if failed[name] {
			continue
		}
		if err := s.backend.Delete(ctx, name); err != nil {
			s.logger.Warn("queued deletion still failing", slog.String("error", err.Error()))
			result.Errors++
			continue
		}
		if err := s.catalog.ClearPendingDeletion(ctx, name); err != nil {
			s.logger.Warn("failed to clear pending deletion", slog.String("error", err.Error()))
			result.Errors++
			continue
		}
		result.Retried++
	}
}

func (s *Sweeper) pruneLogs(ctx context.Context, before time.Time, result *SweepResult) {
	n, err := s.catalog.PruneDownloadLogs(ctx, before)
	if err != nil {
		s.logger.Error("failed to prune download logs", slog.String("error", err.Error()))
		result.Errors++
	} else {
		result.Pruned += n
	}

	n, err = s.catalog.PruneUploadLogs(ctx, before)
	if err != nil {
		s.logger.Error("failed to prune upload logs", slog.String("error", err.Error()))
		result.Errors++
		return
	}
	result.Pruned += n
}
