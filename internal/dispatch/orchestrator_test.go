package dispatch

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatchd/internal/config"
	"github.com/ignite/dispatchd/internal/store"
)

type memStorage struct {
	templates map[string]*store.Template
	logs      map[uuid.UUID]*store.DeliveryLog
	pendings  map[uuid.UUID]*store.PendingDelivery
}

func newMemStorage() *memStorage {
	return &memStorage{
		templates: make(map[string]*store.Template),
		logs:      make(map[uuid.UUID]*store.DeliveryLog),
		pendings:  make(map[uuid.UUID]*store.PendingDelivery),
	}
}

func (m *memStorage) GetTemplateByName(_ context.Context, _ uuid.UUID, name string) (*store.Template, error) {
	t, ok := m.templates[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (m *memStorage) CreateLog(_ context.Context, l *store.DeliveryLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = store.LogStatusPending
	}
	m.logs[l.ID] = l
	return nil
}

func (m *memStorage) SetLogContent(_ context.Context, id uuid.UUID, subject string, metadata map[string]any) error {
	l := m.logs[id]
	l.Subject = subject
	if l.Metadata == nil {
		l.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		l.Metadata[k] = v
	}
	return nil
}

func (m *memStorage) MarkLogSent(_ context.Context, id uuid.UUID, providerMessageID string) error {
	l := m.logs[id]
	l.Status = store.LogStatusSent
	l.ProviderMessageID = providerMessageID
	return nil
}

func (m *memStorage) MarkLogFailed(_ context.Context, id uuid.UUID, errMsg string, _ map[string]any) error {
	l := m.logs[id]
	l.Status = store.LogStatusFailed
	l.Error = errMsg
	return nil
}

func (m *memStorage) CreatePending(_ context.Context, p store.CreatePendingParams) (*store.PendingDelivery, bool, error) {
	if p.ExternalRef != "" {
		for _, pd := range m.pendings {
			if pd.ExternalRef == p.ExternalRef && !pd.Terminal() {
				return pd, true, nil
			}
		}
	}
	pd := &store.PendingDelivery{
		ID:            uuid.New(),
		ApplicationID: p.ApplicationID,
		TemplateName:  p.TemplateName,
		Recipient:     p.Recipient,
		BaseData:      p.BaseData,
		PendingFields: p.PendingFields,
		ExternalRef:   p.ExternalRef,
		Status:        store.PendingStatusWaitingData,
		CompletedData: map[string]any{},
		WebhookURL:    p.WebhookURL,
		ExpiresAt:     p.ExpiresAt,
		ParentLogID:   p.ParentLogID,
	}
	m.pendings[pd.ID] = pd
	return pd, false, nil
}

func (m *memStorage) AttachArtifact(_ context.Context, id uuid.UUID, artifact *store.ArtifactRecord) (*store.PendingDelivery, error) {
	pd := m.pendings[id]
	pd.Status = store.PendingStatusArtifactReady
	pd.CompletedData["artifact"] = map[string]any{
		"id":       artifact.ID.String(),
		"filename": artifact.Filename,
		"key":      artifact.ContentKey,
		"size":     artifact.Size,
	}
	return pd, nil
}

func (m *memStorage) MarkPendingSent(_ context.Context, id uuid.UUID, logID uuid.UUID) error {
	pd := m.pendings[id]
	if pd.Terminal() {
		return nil
	}
	pd.Status = store.PendingStatusSent
	pd.ParentLogID = &logID
	return nil
}

func (m *memStorage) MarkPendingFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	pd := m.pendings[id]
	if pd.Terminal() {
		return nil
	}
	pd.Status = store.PendingStatusFailed
	pd.Error = errMsg
	return nil
}

func (m *memStorage) singleLog(t *testing.T) *store.DeliveryLog {
	t.Helper()
	if len(m.logs) != 1 {
		t.Fatalf("Expected exactly 1 log, got %d", len(m.logs))
	}
	for _, l := range m.logs {
		return l
	}
	return nil
}

func (m *memStorage) singlePending(t *testing.T) *store.PendingDelivery {
	t.Helper()
	if len(m.pendings) != 1 {
		t.Fatalf("Expected exactly 1 pending delivery, got %d", len(m.pendings))
	}
	for _, pd := range m.pendings {
		return pd
	}
	return nil
}

type fakeMailer struct {
	lastMsg *Message
	sendErr error
	sent    int
}

func (f *fakeMailer) Send(_ context.Context, msg *Message) (*SendResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.lastMsg = msg
	f.sent++
	return &SendResult{MessageID: "ses-msg-123"}, nil
}

type fakeGenerator struct {
	record      *store.ArtifactRecord
	genErr      error
	calls       int
	parentLogID *uuid.UUID
}

func (f *fakeGenerator) Generate(_ context.Context, tmpl *store.Template, _ map[string]any, parentLogID *uuid.UUID) (*store.ArtifactRecord, error) {
	f.calls++
	f.parentLogID = parentLogID
	if f.genErr != nil {
		return nil, f.genErr
	}
	return f.record, nil
}

type memBlobs map[string][]byte

func (m memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", key)
	}
	return data, nil
}

type orchFixture struct {
	storage *memStorage
	mailer  *fakeMailer
	gen     *fakeGenerator
	blobs   memBlobs
	orch    *Orchestrator
	app     *store.Application
}

func setupOrchestrator(t *testing.T) *orchFixture {
	t.Helper()

	storage := newMemStorage()
	mailer := &fakeMailer{}
	gen := &fakeGenerator{}
	blobs := memBlobs{}

	orch := NewOrchestrator(storage, gen, blobs, mailer,
		newTestTracking(), NewNotifier(), config.SESConfig{
			FromEmail: "noreply@example.com",
			FromName:  "Dispatch",
		})

	app := &store.Application{ID: uuid.New(), Name: "test-app", Active: true}

	return &orchFixture{storage: storage, mailer: mailer, gen: gen, blobs: blobs, orch: orch, app: app}
}

func (f *orchFixture) addTemplate(t *store.Template) *store.Template {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.ApplicationID = f.app.ID
	t.Active = true
	f.storage.templates[t.Name] = t
	return t
}

func TestDispatchPlainMessage(t *testing.T) {
	f := setupOrchestrator(t)
	f.addTemplate(&store.Template{
		Name:    "welcome",
		Kind:    store.TemplateKindMessage,
		Subject: "Hello {{name}}",
		Body:    `<html><body><p>Hi {{name}}</p><a href="https://example.com/start">Start</a></body></html>`,
	})

	result, err := f.orch.Dispatch(context.Background(), f.app, "welcome", "user@example.com",
		map[string]any{"name": "Ada"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, "sent", result.Status)
	assert.Equal(t, "ses-msg-123", result.ProviderMessageID)
	require.NotNil(t, result.LogID)

	log := f.storage.singleLog(t)
	assert.Equal(t, store.LogStatusSent, log.Status)
	assert.Equal(t, "Hello Ada", log.Subject)
	assert.Equal(t, store.LogKindMessage, log.Kind)

	require.NotNil(t, f.mailer.lastMsg)
	assert.Contains(t, f.mailer.lastMsg.HTML, "Hi Ada")
	assert.Contains(t, f.mailer.lastMsg.HTML, "/track/open?log_id="+log.ID.String())
	assert.Contains(t, f.mailer.lastMsg.HTML, "/track/click?")
	assert.NotContains(t, f.mailer.lastMsg.HTML, `href="https://example.com/start"`)
}

func TestDispatchUnknownTemplate(t *testing.T) {
	f := setupOrchestrator(t)
	_, err := f.orch.Dispatch(context.Background(), f.app, "missing", "user@example.com", nil, Options{})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.mailer.sent)
}

func TestDispatchDocumentTemplateQueues(t *testing.T) {
	f := setupOrchestrator(t)
	f.addTemplate(&store.Template{
		Name: "invoice_doc",
		Kind: store.TemplateKindDocument,
		Body: "<h1>Invoice</h1>",
	})

	result, err := f.orch.Dispatch(context.Background(), f.app, "invoice_doc", "user@example.com",
		map[string]any{"number": "7"}, Options{ExternalRef: "order-7"})
	require.NoError(t, err)

	assert.Equal(t, "queued", result.Status)
	require.NotNil(t, result.PendingID)
	assert.Nil(t, result.LogID)
	assert.Zero(t, f.mailer.sent, "document dispatch never sends a message")

	pd := f.storage.singlePending(t)
	assert.Equal(t, store.PendingStatusWaitingData, pd.Status)
	assert.Equal(t, "order-7", pd.ExternalRef)
}

func TestDispatchReusesActivePending(t *testing.T) {
	f := setupOrchestrator(t)
	f.addTemplate(&store.Template{Name: "invoice_doc", Kind: store.TemplateKindDocument, Body: "x"})

	first, err := f.orch.Dispatch(context.Background(), f.app, "invoice_doc", "user@example.com", nil,
		Options{ExternalRef: "order-7"})
	require.NoError(t, err)
	second, err := f.orch.Dispatch(context.Background(), f.app, "invoice_doc", "user@example.com", nil,
		Options{ExternalRef: "order-7"})
	require.NoError(t, err)

	assert.False(t, first.Reused)
	assert.True(t, second.Reused)
	assert.Equal(t, *first.PendingID, *second.PendingID)
}

func TestDispatchWaitForArtifact(t *testing.T) {
	f := setupOrchestrator(t)
	f.addTemplate(&store.Template{
		Name:        "invoice_ready",
		Kind:        store.TemplateKindMessage,
		Subject:     "Your invoice",
		Body:        "<body>attached</body>",
		ArtifactRef: "invoice_doc",
	})

	result, err := f.orch.Dispatch(context.Background(), f.app, "invoice_ready", "user@example.com",
		map[string]any{}, Options{WaitForArtifact: true, ExternalRef: "order-9"})
	require.NoError(t, err)

	assert.Equal(t, "queued", result.Status)
	require.NotNil(t, result.LogID)
	require.NotNil(t, result.PendingID)
	assert.Zero(t, f.mailer.sent, "no transport call on the deferred path")

	log := f.storage.singleLog(t)
	assert.Equal(t, store.LogStatusQueued, log.Status)
	assert.Equal(t, store.LogKindMessageWithArtifact, log.Kind)

	pd := f.storage.singlePending(t)
	require.NotNil(t, pd.ParentLogID)
	assert.Equal(t, log.ID, *pd.ParentLogID)
}

func TestDispatchImmediateArtifact(t *testing.T) {
	f := setupOrchestrator(t)
	f.addTemplate(&store.Template{
		Name:        "invoice_ready",
		Kind:        store.TemplateKindMessage,
		Subject:     "Your invoice",
		Body:        "<body>see attachment</body>",
		ArtifactRef: "invoice_doc",
	})
	f.addTemplate(&store.Template{
		Name:            "invoice_doc",
		Kind:            store.TemplateKindDocument,
		Body:            "<h1>Invoice {{data.number}}</h1>",
		FilenamePattern: "invoice.pdf",
	})

	pdf := []byte("%PDF-attach")
	f.blobs["artifacts/abc.pdf"] = pdf
	f.gen.record = &store.ArtifactRecord{
		ID:         uuid.New(),
		Filename:   "invoice.pdf",
		ContentKey: "artifacts/abc.pdf",
		Size:       int64(len(pdf)),
	}

	result, err := f.orch.Dispatch(context.Background(), f.app, "invoice_ready", "user@example.com",
		map[string]any{"number": "7"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, "sent", result.Status)
	assert.Equal(t, 1, f.gen.calls)
	require.NotNil(t, f.mailer.lastMsg.Attachment)
	assert.Equal(t, "invoice.pdf", f.mailer.lastMsg.Attachment.Filename)
	assert.Equal(t, pdf, f.mailer.lastMsg.Attachment.Content)

	// The generation ran against the pre-created message log.
	log := f.storage.singleLog(t)
	assert.Equal(t, store.LogKindMessageWithArtifact, log.Kind)
	assert.Equal(t, store.LogStatusSent, log.Status)
	require.NotNil(t, f.gen.parentLogID)
	assert.Equal(t, log.ID, *f.gen.parentLogID)

	pd := f.storage.singlePending(t)
	assert.Equal(t, store.PendingStatusSent, pd.Status)
	require.NotNil(t, pd.ParentLogID)
	assert.Equal(t, log.ID, *pd.ParentLogID)
}

func TestDispatchGenerationFailureMarksPendingFailed(t *testing.T) {
	f := setupOrchestrator(t)
	f.addTemplate(&store.Template{
		Name:        "invoice_ready",
		Kind:        store.TemplateKindMessage,
		Body:        "<body>x</body>",
		ArtifactRef: "invoice_doc",
	})
	f.addTemplate(&store.Template{Name: "invoice_doc", Kind: store.TemplateKindDocument, Body: "y"})
	f.gen.genErr = fmt.Errorf("converter unavailable")

	_, err := f.orch.Dispatch(context.Background(), f.app, "invoice_ready", "user@example.com", nil, Options{})
	require.Error(t, err)
	assert.Zero(t, f.mailer.sent)

	pd := f.storage.singlePending(t)
	assert.Equal(t, store.PendingStatusFailed, pd.Status)
	assert.Contains(t, pd.Error, "converter unavailable")

	log := f.storage.singleLog(t)
	assert.Equal(t, store.LogStatusFailed, log.Status)
	assert.Contains(t, log.Error, "converter unavailable")
}

func TestDispatchTransportFailure(t *testing.T) {
	f := setupOrchestrator(t)
	f.addTemplate(&store.Template{
		Name:    "welcome",
		Kind:    store.TemplateKindMessage,
		Subject: "Hi",
		Body:    "<body>hi</body>",
	})
	f.mailer.sendErr = fmt.Errorf("ses throttled")

	_, err := f.orch.Dispatch(context.Background(), f.app, "welcome", "user@example.com", nil, Options{})
	require.Error(t, err)

	log := f.storage.singleLog(t)
	assert.Equal(t, store.LogStatusFailed, log.Status)
	assert.Contains(t, log.Error, "ses throttled")
}

func TestCompleteAndSendWithArtifact(t *testing.T) {
	f := setupOrchestrator(t)
	f.addTemplate(&store.Template{
		Name:    "invoice_ready",
		Kind:    store.TemplateKindMessage,
		Subject: "Invoice {{number}}",
		Body:    "<body>Total {{total}}</body>",
	})

	pdf := []byte("%PDF-done")
	f.blobs["artifacts/done.pdf"] = pdf

	pd := &store.PendingDelivery{
		ID:            uuid.New(),
		ApplicationID: f.app.ID,
		TemplateName:  "invoice_ready",
		Recipient:     "user@example.com",
		Status:        store.PendingStatusDataReceived,
		CompletedData: map[string]any{
			"number": "7",
			"total":  "12.50",
			"artifact": map[string]any{
				"filename": "invoice-7.pdf",
				"key":      "artifacts/done.pdf",
			},
		},
	}
	f.storage.pendings[pd.ID] = pd

	result, err := f.orch.CompleteAndSend(context.Background(), f.app, pd)
	require.NoError(t, err)

	assert.Equal(t, "sent", result.Status)
	assert.Equal(t, "Invoice 7", f.mailer.lastMsg.Subject)
	assert.True(t, strings.Contains(f.mailer.lastMsg.HTML, "Total 12.50"))
	require.NotNil(t, f.mailer.lastMsg.Attachment)
	assert.Equal(t, "invoice-7.pdf", f.mailer.lastMsg.Attachment.Filename)
	assert.Equal(t, store.PendingStatusSent, pd.Status)
}

func TestCompleteAndSendReusesQueuedLog(t *testing.T) {
	f := setupOrchestrator(t)
	f.addTemplate(&store.Template{
		Name:        "invoice_ready",
		Kind:        store.TemplateKindMessage,
		Subject:     "Your invoice",
		Body:        "<body>attached</body>",
		ArtifactRef: "invoice_doc",
	})

	queued, err := f.orch.Dispatch(context.Background(), f.app, "invoice_ready", "user@example.com",
		nil, Options{WaitForArtifact: true, ExternalRef: "order-11"})
	require.NoError(t, err)
	require.NotNil(t, queued.LogID)

	pdf := []byte("%PDF-late")
	f.blobs["artifacts/late.pdf"] = pdf
	pd := f.storage.singlePending(t)
	pd.Status = store.PendingStatusDataReceived
	pd.CompletedData = map[string]any{
		"artifact": map[string]any{"filename": "invoice.pdf", "key": "artifacts/late.pdf"},
	}

	result, err := f.orch.CompleteAndSend(context.Background(), f.app, pd)
	require.NoError(t, err)

	assert.Equal(t, "sent", result.Status)
	require.NotNil(t, result.LogID)
	assert.Equal(t, *queued.LogID, *result.LogID, "the queued log carries the send")

	log := f.storage.singleLog(t)
	assert.Equal(t, store.LogStatusSent, log.Status)
	assert.Equal(t, "Your invoice", log.Subject, "rendered subject is written back to the queued log")
	assert.Equal(t, pd.ID.String(), log.Metadata["pending_id"])
}

func TestRewriteImagePlaceholders(t *testing.T) {
	body := "<body>{{logo}}<p>scan {{qr_code}}</p></body>"
	out := rewriteImagePlaceholders(body)
	assert.Contains(t, out, `<img src="{{logo_url}}"`)
	assert.Contains(t, out, `<img src="{{qr_code_url}}"`)
}
