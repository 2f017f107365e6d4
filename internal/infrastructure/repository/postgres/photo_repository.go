package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vetlab/catalog-search/internal/core/ports"
)

// PhotoRepository maps normalized container types to messenger file ids
// so replies can attach previously uploaded photos instead of
// re-sending bytes.
type PhotoRepository struct {
	db *sql.DB
}

func NewPhotoRepository(db *sql.DB) *PhotoRepository {
	return &PhotoRepository{db: db}
}

func (r *PhotoRepository) GetContainerPhoto(ctx context.Context, normalizedType string) (ports.ContainerPhoto, bool, error) {
	const query = `
SELECT file_id, COALESCE(caption, '')
FROM container_photos
WHERE container_name = $1`

	var photo ports.ContainerPhoto
	err := r.db.QueryRowContext(ctx, query, normalizedType).Scan(&photo.FileID, &photo.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ContainerPhoto{}, false, nil
	}
	if err != nil {
		return ports.ContainerPhoto{}, false, fmt.Errorf("query container photo: %w", err)
	}
	return photo, true, nil
}

func (r *PhotoRepository) PutContainerPhoto(ctx context.Context, normalizedType string, photo ports.ContainerPhoto) error {
	const query = `
INSERT INTO container_photos (container_name, file_id, caption, updated_at)
VALUES ($1, $2, NULLIF($3, ''), NOW())
ON CONFLICT (container_name)
DO UPDATE SET file_id = EXCLUDED.file_id, caption = EXCLUDED.caption, updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, normalizedType, photo.FileID, photo.Description); err != nil {
		return fmt.Errorf("upsert container photo: %w", err)
	}
	return nil
}
