package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateLog inserts a new delivery log row. The log exists before any
// transport call is attempted, so a crash mid-send is observable as a
// pending/queued row rather than a silent loss.
func (s *Store) CreateLog(ctx context.Context, l *DeliveryLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = LogStatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_logs
			(id, application_id, recipient, subject, status, kind, provider_message_id, error, parent_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, l.ID, l.ApplicationID, l.Recipient, l.Subject, l.Status, l.Kind,
		l.ProviderMessageID, l.Error, l.ParentID, jsonMap(l.Metadata))
	if err != nil {
		return fmt.Errorf("inserting delivery log: %w", err)
	}
	return nil
}

// SetLogContent backfills the rendered subject and merges metadata on
// a pre-created queued log once its send is underway.
func (s *Store) SetLogContent(ctx context.Context, id uuid.UUID, subject string, metadata map[string]any) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs
		SET subject = $2, metadata = metadata || $3::jsonb
		WHERE id = $1
	`, id, subject, jsonMap(metadata))
	if err != nil {
		return fmt.Errorf("setting log content: %w", err)
	}
	return requireRow(res)
}

// MarkLogSent transitions a pending/queued log to sent exactly once,
// recording the provider message id for webhook reconciliation.
func (s *Store) MarkLogSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs
		SET status = $2, provider_message_id = $3, sent_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, LogStatusSent, providerMessageID, LogStatusPending, LogStatusQueued)
	if err != nil {
		return fmt.Errorf("marking log sent: %w", err)
	}
	return requireRow(res)
}

// MarkLogFailed transitions a pending/queued log to failed, attaching
// the error message and any diagnostic metadata.
func (s *Store) MarkLogFailed(ctx context.Context, id uuid.UUID, errMsg string, diagnostics map[string]any) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs
		SET status = $2, error = $3, metadata = metadata || $4::jsonb
		WHERE id = $1 AND status IN ($5, $6)
	`, id, LogStatusFailed, errMsg, jsonMap(diagnostics), LogStatusPending, LogStatusQueued)
	if err != nil {
		return fmt.Errorf("marking log failed: %w", err)
	}
	return requireRow(res)
}

// RecordOpen stamps opened_at if it is still null. Returns true when
// this call was the first observation.
func (s *Store) RecordOpen(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs SET opened_at = NOW()
		WHERE id = $1 AND opened_at IS NULL
	`, id)
	if err != nil {
		return false, fmt.Errorf("recording open: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordClick stamps clicked_at if it is still null. Returns true when
// this call was the first observation.
func (s *Store) RecordClick(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs SET clicked_at = NOW()
		WHERE id = $1 AND clicked_at IS NULL
	`, id)
	if err != nil {
		return false, fmt.Errorf("recording click: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MergeLogMetadata folds provider diagnostics into the log's metadata
// without touching its lifecycle fields.
func (s *Store) MergeLogMetadata(ctx context.Context, id uuid.UUID, diagnostics map[string]any) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs SET metadata = metadata || $2::jsonb WHERE id = $1
	`, id, jsonMap(diagnostics))
	if err != nil {
		return fmt.Errorf("merging log metadata: %w", err)
	}
	return nil
}

const logColumns = `id, application_id, recipient, subject, status, kind,
	provider_message_id, error, parent_id, metadata, created_at, sent_at, opened_at, clicked_at`

// GetLog returns a delivery log by id.
func (s *Store) GetLog(ctx context.Context, id uuid.UUID) (*DeliveryLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM delivery_logs WHERE id = $1`, id)
	return scanLog(row)
}

// GetLogByProviderMessageID matches a provider delivery event to its
// log. Provider ids are only present once a send was accepted.
func (s *Store) GetLogByProviderMessageID(ctx context.Context, providerMessageID string) (*DeliveryLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+logColumns+`
		FROM delivery_logs
		WHERE provider_message_id = $1 AND provider_message_id <> ''
	`, providerMessageID)
	return scanLog(row)
}

func scanLog(row *sql.Row) (*DeliveryLog, error) {
	var l DeliveryLog
	var metadata []byte
	err := row.Scan(&l.ID, &l.ApplicationID, &l.Recipient, &l.Subject, &l.Status, &l.Kind,
		&l.ProviderMessageID, &l.Error, &l.ParentID, &metadata,
		&l.CreatedAt, &l.SentAt, &l.OpenedAt, &l.ClickedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning delivery log: %w", err)
	}
	l.Metadata = unmarshalMap(metadata)
	return &l, nil
}

// SetLogSentAt backfills sent_at from a provider "sent" event when the
// local transition raced the webhook. First write wins.
func (s *Store) SetLogSentAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs SET sent_at = $2 WHERE id = $1 AND sent_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("setting sent_at: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
