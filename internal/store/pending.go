package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const pendingColumns = `id, application_id, template_name, recipient, base_data,
	pending_fields, external_ref, status, completed_data, bounce_count,
	webhook_url, error, expires_at, parent_log_id, created_at, updated_at`

// CreatePendingParams carries the caller-supplied fields for a new
// pending delivery.
type CreatePendingParams struct {
	ApplicationID uuid.UUID
	TemplateName  string
	Recipient     string
	BaseData      map[string]any
	PendingFields []string
	ExternalRef   string
	WebhookURL    string
	ExpiresAt     *time.Time
	ParentLogID   *uuid.UUID
}

// CreatePending inserts a pending delivery in waiting_data. If an
// active record (waiting_data or artifact_ready) already exists for the
// same external reference within the application, that record is
// returned with reused=true instead of creating a duplicate. Callers
// must treat reuse as success.
func (s *Store) CreatePending(ctx context.Context, p CreatePendingParams) (*PendingDelivery, bool, error) {
	if p.ExternalRef != "" {
		existing, err := s.getActivePendingByRef(ctx, p.ApplicationID, p.ExternalRef)
		if err != nil && err != ErrNotFound {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	pd := &PendingDelivery{
		ID:            uuid.New(),
		ApplicationID: p.ApplicationID,
		TemplateName:  p.TemplateName,
		Recipient:     p.Recipient,
		BaseData:      p.BaseData,
		PendingFields: p.PendingFields,
		ExternalRef:   p.ExternalRef,
		Status:        PendingStatusWaitingData,
		CompletedData: map[string]any{},
		WebhookURL:    p.WebhookURL,
		ExpiresAt:     p.ExpiresAt,
		ParentLogID:   p.ParentLogID,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_deliveries
			(id, application_id, template_name, recipient, base_data, pending_fields,
			 external_ref, status, webhook_url, expires_at, parent_log_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, pd.ID, pd.ApplicationID, pd.TemplateName, pd.Recipient, jsonMap(pd.BaseData),
		jsonList(pd.PendingFields), pd.ExternalRef, pd.Status, pd.WebhookURL,
		pd.ExpiresAt, pd.ParentLogID)
	if err != nil {
		// A concurrent creation with the same external reference hit
		// the partial unique index first; reuse its row.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" && p.ExternalRef != "" {
			existing, selErr := s.getActivePendingByRef(ctx, p.ApplicationID, p.ExternalRef)
			if selErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("inserting pending delivery: %w", err)
	}

	created, err := s.GetPending(ctx, pd.ID)
	if err != nil {
		return nil, false, err
	}
	return created, false, nil
}

func (s *Store) getActivePendingByRef(ctx context.Context, appID uuid.UUID, ref string) (*PendingDelivery, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_deliveries
		WHERE application_id = $1 AND external_ref = $2 AND status IN ($3, $4)
	`, appID, ref, PendingStatusWaitingData, PendingStatusArtifactReady)
	return scanPending(row)
}

// GetPending returns a pending delivery by id.
func (s *Store) GetPending(ctx context.Context, id uuid.UUID) (*PendingDelivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_deliveries WHERE id = $1`, id)
	return scanPending(row)
}

// GetPendingByRef returns the most recent pending delivery for an
// external reference, regardless of status (used by status queries and
// completion by reference).
func (s *Store) GetPendingByRef(ctx context.Context, appID uuid.UUID, ref string) (*PendingDelivery, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_deliveries
		WHERE application_id = $1 AND external_ref = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, appID, ref)
	return scanPending(row)
}

// CompleteWithData merges data into the rendering context and moves the
// record to data_received. Completing an already-sent delivery returns
// ErrAlreadySent; other terminal states return ErrNotFound semantics
// via the conditional update.
func (s *Store) CompleteWithData(ctx context.Context, id uuid.UUID, data map[string]any) (*PendingDelivery, error) {
	return s.withPendingTx(ctx, id, func(pd *PendingDelivery, tx *sql.Tx) error {
		if pd.Status == PendingStatusSent {
			return ErrAlreadySent
		}
		if pd.Terminal() {
			return fmt.Errorf("pending delivery %s is %s: %w", id, pd.Status, ErrNotFound)
		}
		merged := mergeData(pd.BaseData, pd.CompletedData)
		merged = mergeData(merged, data)
		pd.CompletedData = merged
		pd.Status = PendingStatusDataReceived

		_, err := tx.ExecContext(ctx, `
			UPDATE pending_deliveries
			SET status = $2, completed_data = $3, updated_at = NOW()
			WHERE id = $1
		`, id, pd.Status, jsonMap(merged))
		return err
	})
}

// AttachArtifact moves waiting_data to artifact_ready, recording the
// artifact handle in completed_data for the eventual send.
func (s *Store) AttachArtifact(ctx context.Context, id uuid.UUID, artifact *ArtifactRecord) (*PendingDelivery, error) {
	return s.withPendingTx(ctx, id, func(pd *PendingDelivery, tx *sql.Tx) error {
		if pd.Status == PendingStatusSent {
			return ErrAlreadySent
		}
		if pd.Status != PendingStatusWaitingData {
			return fmt.Errorf("pending delivery %s is %s, expected %s: %w",
				id, pd.Status, PendingStatusWaitingData, ErrNotFound)
		}
		merged := mergeData(pd.BaseData, pd.CompletedData)
		merged["artifact"] = map[string]any{
			"id":       artifact.ID.String(),
			"filename": artifact.Filename,
			"key":      artifact.ContentKey,
			"size":     artifact.Size,
		}
		pd.CompletedData = merged
		pd.Status = PendingStatusArtifactReady

		_, err := tx.ExecContext(ctx, `
			UPDATE pending_deliveries
			SET status = $2, completed_data = $3, updated_at = NOW()
			WHERE id = $1
		`, id, pd.Status, jsonMap(merged))
		return err
	})
}

// MarkPendingSent is a terminal transition; replaying it against an
// already-terminal record is a no-op.
func (s *Store) MarkPendingSent(ctx context.Context, id uuid.UUID, logID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_deliveries
		SET status = $2, parent_log_id = COALESCE(parent_log_id, $3), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5, $6)
	`, id, PendingStatusSent, logID,
		PendingStatusSent, PendingStatusFailed, PendingStatusCancelled)
	if err != nil {
		return fmt.Errorf("marking pending sent: %w", err)
	}
	return nil
}

// MarkPendingFailed is a terminal transition; replaying it against an
// already-terminal record is a no-op.
func (s *Store) MarkPendingFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_deliveries
		SET status = $2, error = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5, $6)
	`, id, PendingStatusFailed, errMsg,
		PendingStatusSent, PendingStatusFailed, PendingStatusCancelled)
	if err != nil {
		return fmt.Errorf("marking pending failed: %w", err)
	}
	return nil
}

// RecordBounce increments the bounce count on the most recent active
// pending delivery for a recipient, cancelling it once the count
// reaches the threshold or immediately on a hard bounce. Returns nil
// without error when no active record exists.
func (s *Store) RecordBounce(ctx context.Context, appID uuid.UUID, recipient, bounceType string) (*PendingDelivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning bounce tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_deliveries
		WHERE application_id = $1 AND recipient = $2 AND status IN ($3, $4, $5)
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, appID, recipient,
		PendingStatusWaitingData, PendingStatusArtifactReady, PendingStatusDataReceived)
	pd, err := scanPending(row)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pd.BounceCount++
	if pd.BounceCount >= BounceCancelThreshold || bounceType == BounceTypeHard {
		pd.Status = PendingStatusCancelled
		pd.Error = fmt.Sprintf("cancelled after %s bounce (count %d)", bounceType, pd.BounceCount)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pending_deliveries
		SET bounce_count = $2, status = $3, error = $4, updated_at = NOW()
		WHERE id = $1
	`, pd.ID, pd.BounceCount, pd.Status, pd.Error)
	if err != nil {
		return nil, fmt.Errorf("recording bounce: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing bounce: %w", err)
	}
	return pd, nil
}

// ExpirePending fails every active record whose deadline has passed.
// Returns the number of records expired. Expired deliveries are not
// auto-retried.
func (s *Store) ExpirePending(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_deliveries
		SET status = $1, error = 'expired', updated_at = NOW()
		WHERE status IN ($2, $3, $4) AND expires_at IS NOT NULL AND expires_at < NOW()
	`, PendingStatusFailed,
		PendingStatusWaitingData, PendingStatusArtifactReady, PendingStatusDataReceived)
	if err != nil {
		return 0, fmt.Errorf("expiring pending deliveries: %w", err)
	}
	return res.RowsAffected()
}

// withPendingTx runs a read-modify-write transition under row lock.
func (s *Store) withPendingTx(ctx context.Context, id uuid.UUID, fn func(*PendingDelivery, *sql.Tx) error) (*PendingDelivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning pending tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_deliveries WHERE id = $1 FOR UPDATE`, id)
	pd, err := scanPending(row)
	if err != nil {
		return nil, err
	}
	if err := fn(pd, tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing pending tx: %w", err)
	}
	return pd, nil
}

func scanPending(row *sql.Row) (*PendingDelivery, error) {
	var pd PendingDelivery
	var baseData, pendingFields, completedData []byte
	err := row.Scan(&pd.ID, &pd.ApplicationID, &pd.TemplateName, &pd.Recipient,
		&baseData, &pendingFields, &pd.ExternalRef, &pd.Status, &completedData,
		&pd.BounceCount, &pd.WebhookURL, &pd.Error, &pd.ExpiresAt, &pd.ParentLogID,
		&pd.CreatedAt, &pd.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pending delivery: %w", err)
	}
	pd.BaseData = unmarshalMap(baseData)
	pd.PendingFields = unmarshalList(pendingFields)
	pd.CompletedData = unmarshalMap(completedData)
	return &pd, nil
}

// mergeData overlays b on top of a without mutating either.
func mergeData(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
