package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStoreTest(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}

	return New(db), mock, func() { db.Close() }
}

var pendingCols = []string{
	"id", "application_id", "template_name", "recipient", "base_data",
	"pending_fields", "external_ref", "status", "completed_data", "bounce_count",
	"webhook_url", "error", "expires_at", "parent_log_id", "created_at", "updated_at",
}

func pendingRow(id, appID uuid.UUID, status string, bounceCount int, baseData, completedData string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(pendingCols).AddRow(
		id, appID, "invoice_ready", "user@example.com", []byte(baseData),
		[]byte(`[]`), "order-42", status, []byte(completedData), bounceCount,
		"", "", nil, nil, now, now,
	)
}

func TestCreatePendingReusesActiveRecord(t *testing.T) {
	s, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	appID := uuid.New()
	existingID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM pending_deliveries\s+WHERE application_id = \$1 AND external_ref = \$2 AND status IN`).
		WithArgs(appID, "order-42", PendingStatusWaitingData, PendingStatusArtifactReady).
		WillReturnRows(pendingRow(existingID, appID, PendingStatusWaitingData, 0, `{}`, `{}`))

	pd, reused, err := s.CreatePending(context.Background(), CreatePendingParams{
		ApplicationID: appID,
		TemplateName:  "invoice_ready",
		Recipient:     "user@example.com",
		ExternalRef:   "order-42",
	})
	require.NoError(t, err)
	assert.True(t, reused, "active record with same external_ref must be reused")
	assert.Equal(t, existingID, pd.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePendingInsertsWhenNoActiveRecord(t *testing.T) {
	s, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	appID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM pending_deliveries\s+WHERE application_id = \$1 AND external_ref = \$2 AND status IN`).
		WillReturnRows(sqlmock.NewRows(pendingCols))
	mock.ExpectExec(`INSERT INTO pending_deliveries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM pending_deliveries WHERE id = \$1`).
		WillReturnRows(pendingRow(uuid.New(), appID, PendingStatusWaitingData, 0, `{"name":"Ada"}`, `{}`))

	pd, reused, err := s.CreatePending(context.Background(), CreatePendingParams{
		ApplicationID: appID,
		TemplateName:  "invoice_ready",
		Recipient:     "user@example.com",
		BaseData:      map[string]any{"name": "Ada"},
		ExternalRef:   "order-42",
	})
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, PendingStatusWaitingData, pd.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteWithDataMergesAndTransitions(t *testing.T) {
	s, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	id := uuid.New()
	appID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM pending_deliveries WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(pendingRow(id, appID, PendingStatusWaitingData, 0, `{"name":"Ada"}`, `{}`))
	mock.ExpectExec(`UPDATE pending_deliveries\s+SET status = \$2, completed_data = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pd, err := s.CompleteWithData(context.Background(), id, map[string]any{"total": "12.50"})
	require.NoError(t, err)
	assert.Equal(t, PendingStatusDataReceived, pd.Status)
	assert.Equal(t, "Ada", pd.CompletedData["name"], "base data must survive the merge")
	assert.Equal(t, "12.50", pd.CompletedData["total"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteWithDataRejectsAlreadySent(t *testing.T) {
	s, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM pending_deliveries WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(pendingRow(id, uuid.New(), PendingStatusSent, 0, `{}`, `{}`))
	mock.ExpectRollback()

	_, err := s.CompleteWithData(context.Background(), id, map[string]any{"x": "1"})
	assert.ErrorIs(t, err, ErrAlreadySent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachArtifactTransitionsToReady(t *testing.T) {
	s, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM pending_deliveries WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(pendingRow(id, uuid.New(), PendingStatusWaitingData, 0, `{}`, `{}`))
	mock.ExpectExec(`UPDATE pending_deliveries\s+SET status = \$2, completed_data = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	artifact := &ArtifactRecord{
		ID:       uuid.New(),
		Filename: "invoice-42.pdf",
		Size:     2048,
	}
	pd, err := s.AttachArtifact(context.Background(), id, artifact)
	require.NoError(t, err)
	assert.Equal(t, PendingStatusArtifactReady, pd.Status)

	handle, ok := pd.CompletedData["artifact"].(map[string]any)
	require.True(t, ok, "artifact handle must be stored in completed_data")
	assert.Equal(t, "invoice-42.pdf", handle["filename"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBounceSoftIncrements(t *testing.T) {
	s, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	appID := uuid.New()
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM pending_deliveries\s+WHERE application_id = \$1 AND recipient = \$2`).
		WillReturnRows(pendingRow(id, appID, PendingStatusWaitingData, 0, `{}`, `{}`))
	mock.ExpectExec(`UPDATE pending_deliveries\s+SET bounce_count = \$2, status = \$3`).
		WithArgs(id, 1, PendingStatusWaitingData, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pd, err := s.RecordBounce(context.Background(), appID, "user@example.com", BounceTypeSoft)
	require.NoError(t, err)
	require.NotNil(t, pd)
	assert.Equal(t, 1, pd.BounceCount)
	assert.Equal(t, PendingStatusWaitingData, pd.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBounceThirdSoftCancels(t *testing.T) {
	s, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	appID := uuid.New()
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM pending_deliveries\s+WHERE application_id = \$1 AND recipient = \$2`).
		WillReturnRows(pendingRow(id, appID, PendingStatusWaitingData, 2, `{}`, `{}`))
	mock.ExpectExec(`UPDATE pending_deliveries\s+SET bounce_count = \$2, status = \$3`).
		WithArgs(id, 3, PendingStatusCancelled, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pd, err := s.RecordBounce(context.Background(), appID, "user@example.com", BounceTypeSoft)
	require.NoError(t, err)
	assert.Equal(t, PendingStatusCancelled, pd.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBounceHardCancelsImmediately(t *testing.T) {
	s, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	appID := uuid.New()
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM pending_deliveries\s+WHERE application_id = \$1 AND recipient = \$2`).
		WillReturnRows(pendingRow(id, appID, PendingStatusDataReceived, 0, `{}`, `{}`))
	mock.ExpectExec(`UPDATE pending_deliveries\s+SET bounce_count = \$2, status = \$3`).
		WithArgs(id, 1, PendingStatusCancelled, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pd, err := s.RecordBounce(context.Background(), appID, "user@example.com", BounceTypeHard)
	require.NoError(t, err)
	assert.Equal(t, PendingStatusCancelled, pd.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBounceNoActiveRecord(t *testing.T) {
	s, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM pending_deliveries\s+WHERE application_id = \$1 AND recipient = \$2`).
		WillReturnRows(sqlmock.NewRows(pendingCols))

	pd, err := s.RecordBounce(context.Background(), uuid.New(), "gone@example.com", BounceTypeSoft)
	require.NoError(t, err)
	assert.Nil(t, pd)
}

func TestExpirePending(t *testing.T) {
	s, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE pending_deliveries\s+SET status = \$1, error = 'expired'`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.ExpirePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPendingSentIdempotentOnTerminal(t *testing.T) {
	s, mock, cleanup := setupStoreTest(t)
	defer cleanup()

	id := uuid.New()
	// Zero rows affected: record already terminal. Must not error.
	mock.ExpectExec(`UPDATE pending_deliveries\s+SET status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkPendingSent(context.Background(), id, uuid.New())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
