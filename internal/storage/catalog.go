package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/filerelay/internal/apperr"
	"github.com/maneesh/filerelay/internal/models"
)

const fileColumns = `id, public_key_hash, private_key_hash, stored_name, original_name, mime_type,
	size_bytes, source_ip, download_count, uploaded_at, updated_at, last_download_at`

// Catalog is the SQL-backed store of file records and download logs.
// Every mutation is a single atomic statement or transaction; callers never
// read a row and write it back.
type Catalog struct {
	db *sql.DB
}

// NewCatalog wraps an open connection pool
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// Close closes the database connection
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping checks the catalog is reachable
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Insert persists a new file record and appends an upload log entry for its
// source, in one transaction. The log outlives the record, so deleting a
// file never returns an upload slot.
func (c *Catalog) Insert(ctx context.Context, rec *models.FileRecord) error {
	ctx, span := tracer.Start(ctx, "catalog.insert",
		trace.WithAttributes(
			attribute.String("file_id", rec.ID),
			attribute.Int64("file_size", rec.SizeBytes),
		),
	)
	defer span.End()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO files (` + fileColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		rec.ID,
		rec.PublicKeyHash,
		rec.PrivateKeyHash,
		rec.StoredName,
		rec.OriginalName,
		rec.MimeType,
		rec.SizeBytes,
		rec.SourceIP,
		rec.DownloadCount,
		toMillis(rec.UploadedAt),
		toMillis(rec.UpdatedAt),
		nullMillis(rec.LastDownloadAt),
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert file: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO upload_logs (source_ip, uploaded_at) VALUES (?, ?)`,
		rec.SourceIP, toMillis(rec.UploadedAt))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert upload log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit insert: %w", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// FindByPublicHash retrieves a record by its public key hash
func (c *Catalog) FindByPublicHash(ctx context.Context, publicHash string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "catalog.find_by_public_hash")
	defer span.End()

	query := `SELECT ` + fileColumns + ` FROM files WHERE public_key_hash = ?`

	rec, err := scanRecord(c.db.QueryRowContext(ctx, query, publicHash))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, apperr.ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return rec, nil
}

// RecordDownload atomically bumps download_count, refreshes updated_at and
// appends one download log entry for source, in one transaction. A record
// removed in the meantime yields apperr.ErrNotFound and logs nothing.
func (c *Catalog) RecordDownload(ctx context.Context, publicHash, source string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "catalog.record_download")
	defer span.End()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE files
			  SET download_count = download_count + 1, updated_at = ?, last_download_at = ?
			  WHERE public_key_hash = ?`

	ms := toMillis(at)
	res, err := tx.ExecContext(ctx, query, ms, ms, publicHash)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		span.SetAttributes(attribute.Bool("found", false))
		return apperr.ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO download_logs (source_ip, downloaded_at) VALUES (?, ?)`,
		source, ms)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert download log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit download: %w", err)
	}
	return nil
}

// TakeByPrivateHash removes the record owning privateHash and queues its
// stored name for physical deletion, in one transaction. When two callers
// race on the same key exactly one gets the record; the other gets
// apperr.ErrNotFound.
func (c *Catalog) TakeByPrivateHash(ctx context.Context, privateHash string, at time.Time) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "catalog.take_by_private_hash")
	defer span.End()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + fileColumns + ` FROM files WHERE private_key_hash = ?`
	rec, err := scanRecord(tx.QueryRowContext(ctx, query, privateHash))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, apperr.ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	won, err := c.removeWithOutbox(ctx, tx, `DELETE FROM files WHERE id = ?`, rec, at, rec.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !won {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, apperr.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	span.SetAttributes(attribute.String("file_id", rec.ID))
	return rec, nil
}

// TakeStale removes rec if it is still inactive as of cutoff and queues its
// stored name for physical deletion. It reports false when the record was
// refreshed or removed by someone else since it was listed.
func (c *Catalog) TakeStale(ctx context.Context, rec *models.FileRecord, cutoff, at time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "catalog.take_stale",
		trace.WithAttributes(attribute.String("file_id", rec.ID)),
	)
	defer span.End()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	won, err := c.removeWithOutbox(ctx, tx,
		`DELETE FROM files WHERE id = ? AND updated_at < ?`, rec, at, rec.ID, toMillis(cutoff))
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if !won {
		span.SetAttributes(attribute.Bool("taken", false))
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}
	span.SetAttributes(attribute.Bool("taken", true))
	return true, nil
}

func (c *Catalog) removeWithOutbox(ctx context.Context, tx *sql.Tx, deleteQuery string, rec *models.FileRecord, at time.Time, args ...any) (bool, error) {
	res, err := tx.ExecContext(ctx, deleteQuery, args...)
	if err != nil {
		return false, fmt.Errorf("failed to delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pending_deletions (stored_name, queued_at) VALUES (?, ?)`,
		rec.StoredName, toMillis(at))
	if err != nil {
		return false, fmt.Errorf("failed to queue physical deletion: %w", err)
	}
	return true, nil
}

// ListStale returns up to limit records whose updated_at is before cutoff,
// oldest first
func (c *Catalog) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "catalog.list_stale",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	query := `SELECT ` + fileColumns + `
			  FROM files
			  WHERE updated_at < ?
			  ORDER BY updated_at ASC
			  LIMIT ?`

	rows, err := c.db.QueryContext(ctx, query, toMillis(cutoff), limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query stale files: %w", err)
	}
	defer rows.Close()

	var records []*models.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	span.SetAttributes(attribute.Int("stale_count", len(records)))
	return records, nil
}

// CountUploadsSince counts upload log entries for source at or after since,
// including uploads whose files were deleted since
func (c *Catalog) CountUploadsSince(ctx context.Context, source string, since time.Time) (int, error) {
	return c.count(ctx, "catalog.count_uploads",
		`SELECT COUNT(*) FROM upload_logs WHERE source_ip = ? AND uploaded_at >= ?`, source, since)
}

// CountDownloadsSince counts download log entries for source at or after since
func (c *Catalog) CountDownloadsSince(ctx context.Context, source string, since time.Time) (int, error) {
	return c.count(ctx, "catalog.count_downloads",
		`SELECT COUNT(*) FROM download_logs WHERE source_ip = ? AND downloaded_at >= ?`, source, since)
}

func (c *Catalog) count(ctx context.Context, spanName, query, source string, since time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	var n int
	if err := c.db.QueryRowContext(ctx, query, source, toMillis(since)).Scan(&n); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	span.SetAttributes(attribute.Int("count", n))
	return n, nil
}

// PruneDownloadLogs deletes download log entries older than before
func (c *Catalog) PruneDownloadLogs(ctx context.Context, before time.Time) (int64, error) {
	return c.prune(ctx, "catalog.prune_download_logs",
		`DELETE FROM download_logs WHERE downloaded_at < ?`, before)
}

// PruneUploadLogs deletes upload log entries older than before
func (c *Catalog) PruneUploadLogs(ctx context.Context, before time.Time) (int64, error) {
	return c.prune(ctx, "catalog.prune_upload_logs",
		`DELETE FROM upload_logs WHERE uploaded_at < ?`, before)
}

func (c *Catalog) prune(ctx context.Context, spanName, query string, before time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	res, err := c.db.ExecContext(ctx, query, toMillis(before))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to prune logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	span.SetAttributes(attribute.Int64("pruned", n))
	return n, nil
}

// ListPendingDeletions returns stored names whose physical deletion has not
// been confirmed yet
func (c *Catalog) ListPendingDeletions(ctx context.Context, limit int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "catalog.list_pending_deletions")
	defer span.End()

	rows, err := c.db.QueryContext(ctx,
		`SELECT stored_name FROM pending_deletions ORDER BY queued_at ASC LIMIT ?`, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query pending deletions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan pending deletion: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating pending deletions: %w", err)
	}
	return names, nil
}

// ClearPendingDeletion marks the physical deletion of storedName as done
func (c *Catalog) ClearPendingDeletion(ctx context.Context, storedName string) error {
	ctx, span := tracer.Start(ctx, "catalog.clear_pending_deletion")
	defer span.End()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM pending_deletions WHERE stored_name = ?`, storedName); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clear pending deletion: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.FileRecord, error) {
	var (
		rec          models.FileRecord
		uploadedAt   int64
		updatedAt    int64
		lastDownload sql.NullInt64
	)
	err := row.Scan(
		&rec.ID,
		&rec.PublicKeyHash,
		&rec.PrivateKeyHash,
		&rec.StoredName,
		&rec.OriginalName,
		&rec.MimeType,
		&rec.SizeBytes,
		&rec.SourceIP,
		&rec.DownloadCount,
		&uploadedAt,
		&updatedAt,
		&lastDownload,
	)
	if err != nil {
		return nil, err
	}

	rec.UploadedAt = fromMillis(uploadedAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	if lastDownload.Valid {
		t := fromMillis(lastDownload.Int64)
		rec.LastDownloadAt = &t
	}
	return &rec, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
