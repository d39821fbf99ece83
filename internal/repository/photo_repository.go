package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"civicphoto/internal/models"
)

var (
	ErrPhotoNotFound   = errors.New("photo not found")
	ErrBlockedDecision = errors.New("refusing to persist a blocked photo")
)

const photoColumns = `
	id, owner_id, intent, bucket, object_key, blob_url, thumbnail_url, caption, mime,
	width, height, frames, original_size, processed_size,
	moderation_decision, moderation_category, moderation_confidence, moderation_latency_ms,
	correlation_id, created_at, deleted_at
`

type PhotoRepository struct {
	pool *pgxpool.Pool
}

func NewPhotoRepository(pool *pgxpool.Pool) *PhotoRepository {
	return &PhotoRepository{pool: pool}
}

// Create inserts one photo row and returns it with the database timestamp.
func (r *PhotoRepository) Create(ctx context.Context, photo models.Photo) (models.Photo, error) {
	if photo.Moderation.Decision == "BLOCK" {
		return models.Photo{}, ErrBlockedDecision
	}

	const query = `
		INSERT INTO photos (
			id, owner_id, intent, bucket, object_key, blob_url, thumbnail_url, caption, mime,
			width, height, frames, original_size, processed_size,
			moderation_decision, moderation_category, moderation_confidence, moderation_latency_ms,
			correlation_id, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, NOW()
		)
		RETURNING created_at
	`

	err := r.pool.QueryRow(ctx, query,
		photo.ID,
		photo.OwnerID,
		photo.Intent,
		photo.Bucket,
		photo.ObjectKey,
		photo.BlobURL,
		photo.ThumbnailURL,
		photo.Caption,
		photo.MIME,
		photo.Width,
		photo.Height,
		photo.Frames,
		photo.OriginalSize,
		photo.ProcessedSize,
		photo.Moderation.Decision,
		photo.Moderation.Category,
		photo.Moderation.Confidence,
		photo.Moderation.LatencyMS,
		photo.CorrelationID,
	).Scan(&photo.CreatedAt)
	if err != nil {
		return models.Photo{}, fmt.Errorf("insert photo: %w", err)
	}
	return photo, nil
}

func (r *PhotoRepository) GetByID(ctx context.Context, id string) (models.Photo, error) {
	query := `SELECT ` + photoColumns + ` FROM photos WHERE id = $1`

	photo, err := scanPhoto(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Photo{}, ErrPhotoNotFound
		}
		return models.Photo{}, err
	}
	return photo, nil
}

func (r *PhotoRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]models.Photo, error) {
	query := `SELECT ` + photoColumns + `
		FROM photos
		WHERE owner_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// SoftDelete hides the photo from its owner. The blob stays until the
// retention purge.
func (r *PhotoRepository) SoftDelete(ctx context.Context, id, ownerID string) error {
	const query = `
		UPDATE photos SET deleted_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL
	`
	cmd, err := r.pool.Exec(ctx, query, id, ownerID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPhotoNotFound
	}
	return nil
}

// UsageBytes sums processed bytes the owner currently holds for an intent.
func (r *PhotoRepository) UsageBytes(ctx context.Context, ownerID string, intent models.PhotoIntent) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(processed_size), 0)
		FROM photos
		WHERE owner_id = $1 AND intent = $2 AND deleted_at IS NULL
	`
	var used int64
	if err := r.pool.QueryRow(ctx, query, ownerID, intent).Scan(&used); err != nil {
		return 0, fmt.Errorf("usage query: %w", err)
	}
	return used, nil
}

func (r *PhotoRepository) ExistsByObjectKey(ctx context.Context, objectKey string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM photos WHERE object_key = $1)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, objectKey).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ListPurgeable returns photos soft-deleted before the cutoff.
func (r *PhotoRepository) ListPurgeable(ctx context.Context, before time.Time, limit int) ([]models.Photo, error) {
	query := `SELECT ` + photoColumns + `
		FROM photos
		WHERE deleted_at IS NOT NULL AND deleted_at < $1
		ORDER BY deleted_at
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *PhotoRepository) HardDelete(ctx context.Context, id string) error {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM photos WHERE id = $1 AND deleted_at IS NOT NULL`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPhotoNotFound
	}
	return nil
}

func (r *PhotoRepository) SetThumbnail(ctx context.Context, id, url string) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE photos SET thumbnail_url = $2 WHERE id = $1`, id, url)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPhotoNotFound
	}
	return nil
}

func collect(rows pgx.Rows) ([]models.Photo, error) {
	defer rows.Close()

	var photos []models.Photo
	for rows.Next() {
		photo, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, photo)
	}
	return photos, rows.Err()
}

func scanPhoto(row pgx.Row) (models.Photo, error) {
	var photo models.Photo
	err := row.Scan(
		&photo.ID,
		&photo.OwnerID,
		&photo.Intent,
		&photo.Bucket,
		&photo.ObjectKey,
		&photo.BlobURL,
		&photo.ThumbnailURL,
		&photo.Caption,
		&photo.MIME,
		&photo.Width,
		&photo.Height,
		&photo.Frames,
		&photo.OriginalSize,
		&photo.ProcessedSize,
		&photo.Moderation.Decision,
		&photo.Moderation.Category,
		&photo.Moderation.Confidence,
		&photo.Moderation.LatencyMS,
		&photo.CorrelationID,
		&photo.CreatedAt,
		&photo.DeletedAt,
	)
	return photo, err
}
