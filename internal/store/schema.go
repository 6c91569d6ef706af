package store

import (
	"context"
	"fmt"
)

// schemaDDL bootstraps the tables this service owns. Applications and
// templates are normally managed by the dashboard; the definitions here
// keep a fresh environment usable without it.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS applications (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		api_key TEXT NOT NULL UNIQUE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS templates (
		id UUID PRIMARY KEY,
		application_id UUID NOT NULL REFERENCES applications(id),
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		artifact_ref TEXT NOT NULL DEFAULT '',
		filename_pattern TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (application_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_logs (
		id UUID PRIMARY KEY,
		application_id UUID NOT NULL REFERENCES applications(id),
		recipient TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		kind TEXT NOT NULL,
		provider_message_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		parent_id UUID,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		sent_at TIMESTAMPTZ,
		opened_at TIMESTAMPTZ,
		clicked_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_logs_provider_message_id
		ON delivery_logs (provider_message_id) WHERE provider_message_id <> ''`,
	`CREATE TABLE IF NOT EXISTS pending_deliveries (
		id UUID PRIMARY KEY,
		application_id UUID NOT NULL REFERENCES applications(id),
		template_name TEXT NOT NULL,
		recipient TEXT NOT NULL,
		base_data JSONB NOT NULL DEFAULT '{}',
		pending_fields JSONB NOT NULL DEFAULT '[]',
		external_ref TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		completed_data JSONB NOT NULL DEFAULT '{}',
		bounce_count INT NOT NULL DEFAULT 0,
		webhook_url TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ,
		parent_log_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	// One active pending delivery per external reference within an
	// application. Creation races resolve to reuse, not duplicates.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_active_external_ref
		ON pending_deliveries (application_id, external_ref)
		WHERE external_ref <> '' AND status IN ('waiting_data', 'artifact_ready')`,
	`CREATE INDEX IF NOT EXISTS idx_pending_recipient
		ON pending_deliveries (application_id, recipient, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS artifact_records (
		id UUID PRIMARY KEY,
		application_id UUID NOT NULL REFERENCES applications(id),
		filename TEXT NOT NULL,
		content_key TEXT NOT NULL,
		size BIGINT NOT NULL,
		source_template_id UUID NOT NULL,
		email_log_id UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates all tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}
