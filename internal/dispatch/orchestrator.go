// Package dispatch implements the send pipeline: template resolution,
// the queue-or-send decision tree, artifact hand-off, tracking
// injection, and the outbound transport call.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatchd/internal/config"
	"github.com/ignite/dispatchd/internal/pkg/logger"
	"github.com/ignite/dispatchd/internal/store"
	"github.com/ignite/dispatchd/internal/template"
)

// Storage is the slice of the store the orchestrator needs.
type Storage interface {
	GetTemplateByName(ctx context.Context, appID uuid.UUID, name string) (*store.Template, error)
	CreateLog(ctx context.Context, l *store.DeliveryLog) error
	SetLogContent(ctx context.Context, id uuid.UUID, subject string, metadata map[string]any) error
	MarkLogSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkLogFailed(ctx context.Context, id uuid.UUID, errMsg string, diagnostics map[string]any) error
	CreatePending(ctx context.Context, p store.CreatePendingParams) (*store.PendingDelivery, bool, error)
	AttachArtifact(ctx context.Context, id uuid.UUID, artifact *store.ArtifactRecord) (*store.PendingDelivery, error)
	MarkPendingSent(ctx context.Context, id uuid.UUID, logID uuid.UUID) error
	MarkPendingFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// ArtifactGenerator produces a stored artifact from a document
// template.
type ArtifactGenerator interface {
	Generate(ctx context.Context, tmpl *store.Template, data map[string]any, parentLogID *uuid.UUID) (*store.ArtifactRecord, error)
}

// BlobGetter fetches artifact binaries for attachment.
type BlobGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Options modify a single dispatch request.
type Options struct {
	WaitForArtifact bool
	ExternalRef     string
	WebhookURL      string
	PendingFields   []string
	ExpiresAt       *time.Time
}

// Result is the outcome of a dispatch request.
type Result struct {
	Status            string // sent or queued
	LogID             *uuid.UUID
	PendingID         *uuid.UUID
	Reused            bool
	ProviderMessageID string
}

// Orchestrator drives the dispatch decision tree. All state lives in
// the store; the orchestrator itself is stateless and safe for
// concurrent use.
type Orchestrator struct {
	storage   Storage
	generator ArtifactGenerator
	blobs     BlobGetter
	mailer    Mailer
	tracking  *TrackingService
	notifier  *Notifier
	fromEmail string
	fromName  string
}

func NewOrchestrator(storage Storage, generator ArtifactGenerator, blobs BlobGetter,
	mailer Mailer, tracking *TrackingService, notifier *Notifier, sesCfg config.SESConfig) *Orchestrator {
	return &Orchestrator{
		storage:   storage,
		generator: generator,
		blobs:     blobs,
		mailer:    mailer,
		tracking:  tracking,
		notifier:  notifier,
		fromEmail: sesCfg.FromEmail,
		fromName:  sesCfg.FromName,
	}
}

// Dispatch resolves a template and either sends immediately or queues
// a pending delivery, per the decision tree:
//
//  1. document template: queue a pending delivery, no message is sent
//  2. artifact required, caller waits: pre-create a queued log plus a
//     linked pending delivery, return queued
//  3. artifact required, immediate: generate synchronously, then send
//     with the artifact attached
//  4. otherwise: render and send
func (o *Orchestrator) Dispatch(ctx context.Context, app *store.Application, templateName, recipient string, data map[string]any, opts Options) (*Result, error) {
	tmpl, err := o.storage.GetTemplateByName(ctx, app.ID, templateName)
	if err != nil {
		return nil, err
	}

	if tmpl.Kind == store.TemplateKindDocument {
		return o.queuePending(ctx, app, tmpl, recipient, data, opts, nil)
	}

	if tmpl.RequiresArtifact() && opts.WaitForArtifact {
		queuedLog := &store.DeliveryLog{
			ApplicationID: app.ID,
			Recipient:     recipient,
			Status:        store.LogStatusQueued,
			Kind:          store.LogKindMessageWithArtifact,
			Metadata:      map[string]any{"template": tmpl.Name, "external_ref": opts.ExternalRef},
		}
		if err := o.storage.CreateLog(ctx, queuedLog); err != nil {
			return nil, fmt.Errorf("creating queued log: %w", err)
		}
		return o.queuePending(ctx, app, tmpl, recipient, data, opts, &queuedLog.ID)
	}

	var attachment *Attachment
	var pending *store.PendingDelivery
	if tmpl.RequiresArtifact() {
		pending, attachment, err = o.generateImmediate(ctx, app, tmpl, recipient, data, opts)
		if err != nil {
			return nil, err
		}
	}

	return o.send(ctx, app, tmpl, recipient, data, attachment, pending)
}

// queuePending creates (or reuses) a pending delivery in waiting_data.
func (o *Orchestrator) queuePending(ctx context.Context, app *store.Application, tmpl *store.Template,
	recipient string, data map[string]any, opts Options, parentLogID *uuid.UUID) (*Result, error) {
	pending, reused, err := o.storage.CreatePending(ctx, store.CreatePendingParams{
		ApplicationID: app.ID,
		TemplateName:  tmpl.Name,
		Recipient:     recipient,
		BaseData:      data,
		PendingFields: opts.PendingFields,
		ExternalRef:   opts.ExternalRef,
		WebhookURL:    opts.WebhookURL,
		ExpiresAt:     opts.ExpiresAt,
		ParentLogID:   parentLogID,
	})
	if err != nil {
		return nil, err
	}
	if reused {
		logger.Info("reusing pending delivery", "pending_id", pending.ID, "external_ref", opts.ExternalRef)
	}
	return &Result{
		Status:    "queued",
		PendingID: &pending.ID,
		LogID:     parentLogID,
		Reused:    reused,
	}, nil
}

// generateImmediate runs the synchronous artifact path: queue a
// pending delivery and a queued message log, generate the artifact
// with the log as its parent, attach it, and return the attachment
// bytes for the send.
func (o *Orchestrator) generateImmediate(ctx context.Context, app *store.Application, tmpl *store.Template,
	recipient string, data map[string]any, opts Options) (*store.PendingDelivery, *Attachment, error) {
	pending, _, err := o.storage.CreatePending(ctx, store.CreatePendingParams{
		ApplicationID: app.ID,
		TemplateName:  tmpl.Name,
		Recipient:     recipient,
		BaseData:      data,
		ExternalRef:   opts.ExternalRef,
		WebhookURL:    opts.WebhookURL,
		ExpiresAt:     opts.ExpiresAt,
	})
	if err != nil {
		return nil, nil, err
	}

	// The message log exists before generation so the generation log
	// can point at it through parent_id.
	queuedLog := &store.DeliveryLog{
		ApplicationID: app.ID,
		Recipient:     recipient,
		Status:        store.LogStatusQueued,
		Kind:          store.LogKindMessageWithArtifact,
		Metadata:      map[string]any{"template": tmpl.Name, "pending_id": pending.ID.String()},
	}
	if err := o.storage.CreateLog(ctx, queuedLog); err != nil {
		o.failPending(ctx, pending.ID, err.Error())
		return nil, nil, fmt.Errorf("creating queued log: %w", err)
	}
	pending.ParentLogID = &queuedLog.ID

	docTmpl, err := o.storage.GetTemplateByName(ctx, app.ID, tmpl.ArtifactRef)
	if err != nil {
		o.failDeferred(ctx, pending.ID, queuedLog.ID, fmt.Sprintf("document template %s: %v", tmpl.ArtifactRef, err))
		return nil, nil, fmt.Errorf("resolving document template %s: %w", tmpl.ArtifactRef, err)
	}

	record, err := o.generator.Generate(ctx, docTmpl, data, &queuedLog.ID)
	if err != nil {
		o.failDeferred(ctx, pending.ID, queuedLog.ID, err.Error())
		return nil, nil, err
	}

	if _, err := o.storage.AttachArtifact(ctx, pending.ID, record); err != nil {
		return nil, nil, fmt.Errorf("attaching artifact: %w", err)
	}

	content, err := o.blobs.Get(ctx, record.ContentKey)
	if err != nil {
		o.failDeferred(ctx, pending.ID, queuedLog.ID, err.Error())
		return nil, nil, fmt.Errorf("fetching artifact content: %w", err)
	}

	return pending, &Attachment{
		Filename:    record.Filename,
		ContentType: "application/pdf",
		Content:     content,
	}, nil
}

// CompleteAndSend sends a pending delivery whose data has been
// completed. The pending record must already be in data_received (or
// artifact_ready with completed data); its merged context drives the
// render. An artifact handle in completed_data becomes an attachment.
func (o *Orchestrator) CompleteAndSend(ctx context.Context, app *store.Application, pending *store.PendingDelivery) (*Result, error) {
	tmpl, err := o.storage.GetTemplateByName(ctx, app.ID, pending.TemplateName)
	if err != nil {
		return nil, err
	}

	var attachment *Attachment
	if handle, ok := pending.CompletedData["artifact"].(map[string]any); ok {
		key, _ := handle["key"].(string)
		filename, _ := handle["filename"].(string)
		content, err := o.blobs.Get(ctx, key)
		if err != nil {
			o.failPending(ctx, pending.ID, err.Error())
			return nil, fmt.Errorf("fetching artifact content: %w", err)
		}
		attachment = &Attachment{Filename: filename, ContentType: "application/pdf", Content: content}
	}

	data := pending.CompletedData
	if len(data) == 0 {
		data = pending.BaseData
	}
	return o.send(ctx, app, tmpl, pending.Recipient, data, attachment, pending)
}

// send is step 5: render, inject tracking, call the transport. The
// delivery log row exists before the transport call, so a crash
// mid-send leaves an observable pending row rather than a silent loss.
func (o *Orchestrator) send(ctx context.Context, app *store.Application, tmpl *store.Template,
	recipient string, data map[string]any, attachment *Attachment, pending *store.PendingDelivery) (*Result, error) {
	subject := template.Render(tmpl.Subject, data)
	body := template.Render(rewriteImagePlaceholders(tmpl.Body), data)

	kind := store.LogKindMessage
	if attachment != nil {
		kind = store.LogKindMessageWithArtifact
	}
	dlog := &store.DeliveryLog{
		ApplicationID: app.ID,
		Recipient:     recipient,
		Subject:       subject,
		Kind:          kind,
		Metadata:      map[string]any{"template": tmpl.Name},
	}
	if pending != nil {
		dlog.Metadata["pending_id"] = pending.ID.String()
	}
	if pending != nil && pending.ParentLogID != nil {
		// A queued log was pre-created for this delivery; transition
		// that row instead of inserting a second one, backfilling the
		// content that was not known at queue time.
		dlog.ID = *pending.ParentLogID
		if err := o.storage.SetLogContent(ctx, dlog.ID, subject, dlog.Metadata); err != nil {
			return nil, fmt.Errorf("updating queued log: %w", err)
		}
	} else if err := o.storage.CreateLog(ctx, dlog); err != nil {
		return nil, fmt.Errorf("creating delivery log: %w", err)
	}

	body = o.tracking.InjectTracking(body, dlog.ID)

	msg := &Message{
		FromEmail:  o.fromEmail,
		FromName:   o.fromName,
		To:         recipient,
		Subject:    subject,
		HTML:       body,
		Attachment: attachment,
	}

	result, err := o.mailer.Send(ctx, msg)
	if err != nil {
		diag := map[string]any{"transport": "ses"}
		if markErr := o.storage.MarkLogFailed(ctx, dlog.ID, err.Error(), diag); markErr != nil {
			logger.Error("failed to record send failure", "log_id", dlog.ID, "error", markErr)
		}
		if pending != nil {
			o.failPending(ctx, pending.ID, err.Error())
		}
		return nil, fmt.Errorf("sending message: %w", err)
	}

	if err := o.storage.MarkLogSent(ctx, dlog.ID, result.MessageID); err != nil {
		logger.Error("failed to mark log sent", "log_id", dlog.ID, "error", err)
	}
	if pending != nil {
		if err := o.storage.MarkPendingSent(ctx, pending.ID, dlog.ID); err != nil {
			logger.Error("failed to mark pending sent", "pending_id", pending.ID, "error", err)
		}
		o.notifier.NotifySent(ctx, pending.WebhookURL, pending.ID, dlog.ID, recipient)
	}

	return &Result{
		Status:            "sent",
		LogID:             &dlog.ID,
		ProviderMessageID: result.MessageID,
	}, nil
}

func (o *Orchestrator) failPending(ctx context.Context, id uuid.UUID, errMsg string) {
	if err := o.storage.MarkPendingFailed(ctx, id, errMsg); err != nil {
		logger.Error("failed to mark pending failed", "pending_id", id, "error", err)
	}
}

// failDeferred fails both halves of a pending delivery that already
// has a queued message log.
func (o *Orchestrator) failDeferred(ctx context.Context, pendingID, logID uuid.UUID, errMsg string) {
	o.failPending(ctx, pendingID, errMsg)
	if err := o.storage.MarkLogFailed(ctx, logID, errMsg, nil); err != nil {
		logger.Error("failed to mark log failed", "log_id", logID, "error", err)
	}
}

// Image placeholders expand to inline tags before rendering, so the
// engine fills the src from the data context.
var imagePlaceholders = map[string]string{
	"{{logo}}":    `<img src="{{logo_url}}" alt="logo" style="max-height:60px" />`,
	"{{qr_code}}": `<img src="{{qr_code_url}}" alt="qr code" width="160" height="160" />`,
}

func rewriteImagePlaceholders(body string) string {
	for marker, tag := range imagePlaceholders {
		body = strings.ReplaceAll(body, marker, tag)
	}
	return body
}
