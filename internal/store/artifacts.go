package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateArtifact inserts an immutable artifact record. The binary
// itself lives in blob storage under ContentKey.
func (s *Store) CreateArtifact(ctx context.Context, a *ArtifactRecord) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifact_records
			(id, application_id, filename, content_key, size, source_template_id, email_log_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, a.ID, a.ApplicationID, a.Filename, a.ContentKey, a.Size, a.SourceTemplateID, a.EmailLogID)
	if err != nil {
		return fmt.Errorf("inserting artifact record: %w", err)
	}
	return nil
}

// GetArtifact returns an artifact record by id.
func (s *Store) GetArtifact(ctx context.Context, id uuid.UUID) (*ArtifactRecord, error) {
	var a ArtifactRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, application_id, filename, content_key, size, source_template_id, email_log_id, created_at
		FROM artifact_records
		WHERE id = $1
	`, id).Scan(&a.ID, &a.ApplicationID, &a.Filename, &a.ContentKey, &a.Size,
		&a.SourceTemplateID, &a.EmailLogID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning artifact record: %w", err)
	}
	return &a, nil
}
