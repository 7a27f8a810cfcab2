package knowledge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// ListDocuments summarizes the collection's content grouped by source
// document, oldest first.
func (s *Store) ListDocuments(ctx context.Context, c *Collection) ([]FileInfo, error) {
	query := fmt.Sprintf(`
		SELECT file_id, MIN(source), COUNT(*), MIN(created_at)
		FROM %s
		GROUP BY file_id
		ORDER BY MIN(created_at), file_id`, TableName(c.ID))

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var out []FileInfo
	for rows.Next() {
		var (
			fi     FileInfo
			source pgtype.Text
		)
		if err := rows.Scan(&fi.FileID, &source, &fi.Chunks, &fi.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning document summary: %w", err)
		}
		fi.Source = source.String
		out = append(out, fi)
	}
	return out, rows.Err()
}

// DeleteFile removes every chunk of one source document and returns the
// number of rows deleted.
func (s *Store) DeleteFile(ctx context.Context, c *Collection, fileID uuid.UUID) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE file_id = $1`, TableName(c.ID))
	tag, err := s.db.Exec(ctx, query, fileID)
	if err != nil {
		return 0, fmt.Errorf("deleting file %s: %w", fileID, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("file %s: %w", fileID, ErrDocumentNotFound)
	}
	s.logger.Info("document deleted",
		"collection_id", c.ID, "file_id", fileID, "chunks", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// DeleteChunk removes a single chunk row by its id.
func (s *Store) DeleteChunk(ctx context.Context, c *Collection, chunkID int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, TableName(c.ID))
	tag, err := s.db.Exec(ctx, query, chunkID)
	if err != nil {
		return fmt.Errorf("deleting chunk %d: %w", chunkID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chunk %d: %w", chunkID, ErrDocumentNotFound)
	}
	return nil
}

// ClearDocuments empties the collection's content table and returns the
// number of rows removed.
func (s *Store) ClearDocuments(ctx context.Context, c *Collection) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s`, TableName(c.ID))
	tag, err := s.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("clearing documents: %w", err)
	}
	s.logger.Info("collection cleared",
		"collection_id", c.ID, "chunks", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// CountDocuments reports the number of distinct source documents and total
// chunk rows in the collection.
func (s *Store) CountDocuments(ctx context.Context, c *Collection) (files, chunks int64, err error) {
	query := fmt.Sprintf(
		`SELECT COUNT(DISTINCT file_id), COUNT(*) FROM %s`, TableName(c.ID))
	if err := s.db.QueryRow(ctx, query).Scan(&files, &chunks); err != nil {
		return 0, 0, fmt.Errorf("counting documents: %w", err)
	}
	return files, chunks, nil
}
