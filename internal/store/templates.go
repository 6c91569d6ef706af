package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const templateColumns = `id, application_id, name, kind, body, subject,
	artifact_ref, filename_pattern, active, created_at`

// GetTemplateByName returns the active template with the given name
// for an application. Inactive templates resolve as not found.
func (s *Store) GetTemplateByName(ctx context.Context, appID uuid.UUID, name string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM templates
		WHERE application_id = $1 AND name = $2 AND active = TRUE
	`, appID, name)
	return scanTemplate(row)
}

// GetTemplateByID returns a template by primary key regardless of the
// active flag (artifact records reference templates by id).
func (s *Store) GetTemplateByID(ctx context.Context, appID, id uuid.UUID) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM templates
		WHERE application_id = $1 AND id = $2
	`, appID, id)
	return scanTemplate(row)
}

func scanTemplate(row *sql.Row) (*Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.ApplicationID, &t.Name, &t.Kind, &t.Body, &t.Subject,
		&t.ArtifactRef, &t.FilenamePattern, &t.Active, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning template: %w", err)
	}
	return &t, nil
}

// GetApplicationByAPIKey resolves an opaque API key to its application.
func (s *Store) GetApplicationByAPIKey(ctx context.Context, apiKey string) (*Application, error) {
	var a Application
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key, active, created_at
		FROM applications
		WHERE api_key = $1 AND active = TRUE
	`, apiKey).Scan(&a.ID, &a.Name, &a.APIKey, &a.Active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning application: %w", err)
	}
	return &a, nil
}
