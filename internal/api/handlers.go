package api

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatchd/internal/artifact"
	"github.com/ignite/dispatchd/internal/dispatch"
	"github.com/ignite/dispatchd/internal/events"
	"github.com/ignite/dispatchd/internal/pkg/httputil"
	"github.com/ignite/dispatchd/internal/pkg/logger"
	"github.com/ignite/dispatchd/internal/store"
)

// Storage is the slice of the store the handlers need.
type Storage interface {
	GetTemplateByName(ctx context.Context, appID uuid.UUID, name string) (*store.Template, error)
	GetTemplateByID(ctx context.Context, appID, id uuid.UUID) (*store.Template, error)
	CreatePending(ctx context.Context, p store.CreatePendingParams) (*store.PendingDelivery, bool, error)
	GetPending(ctx context.Context, id uuid.UUID) (*store.PendingDelivery, error)
	GetPendingByRef(ctx context.Context, appID uuid.UUID, ref string) (*store.PendingDelivery, error)
	CompleteWithData(ctx context.Context, id uuid.UUID, data map[string]any) (*store.PendingDelivery, error)
	AttachArtifact(ctx context.Context, id uuid.UUID, artifact *store.ArtifactRecord) (*store.PendingDelivery, error)
	RecordOpen(ctx context.Context, id uuid.UUID) (bool, error)
	RecordClick(ctx context.Context, id uuid.UUID) (bool, error)
}

// Dispatcher runs the send pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, app *store.Application, templateName, recipient string, data map[string]any, opts dispatch.Options) (*dispatch.Result, error)
	CompleteAndSend(ctx context.Context, app *store.Application, pending *store.PendingDelivery) (*dispatch.Result, error)
}

// Generator produces stored artifacts on demand.
type Generator interface {
	Generate(ctx context.Context, tmpl *store.Template, data map[string]any, parentLogID *uuid.UUID) (*store.ArtifactRecord, error)
}

// Handlers carries the HTTP endpoint implementations.
type Handlers struct {
	storage    Storage
	dispatcher Dispatcher
	generator  Generator
	blobs      artifact.BlobStore
	tracking   *dispatch.TrackingService
	reconciler *events.Reconciler
	verifier   *events.Verifier
}

func NewHandlers(storage Storage, dispatcher Dispatcher, generator Generator,
	blobs artifact.BlobStore, tracking *dispatch.TrackingService,
	reconciler *events.Reconciler, verifier *events.Verifier) *Handlers {
	return &Handlers{
		storage:    storage,
		dispatcher: dispatcher,
		generator:  generator,
		blobs:      blobs,
		tracking:   tracking,
		reconciler: reconciler,
		verifier:   verifier,
	}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

type dispatchRequest struct {
	TemplateName    string         `json:"template_name"`
	RecipientEmail  string         `json:"recipient_email"`
	Data            map[string]any `json:"data"`
	WaitForArtifact bool           `json:"wait_for_artifact"`
	OrderID         string         `json:"order_id"`
	WebhookURL      string         `json:"webhook_url"`
}

// HandleDispatch runs the dispatch decision tree for one request.
func (h *Handlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var req dispatchRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.TemplateName == "" || req.RecipientEmail == "" {
		httputil.BadRequest(w, "template_name and recipient_email are required")
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), app, req.TemplateName, req.RecipientEmail, req.Data,
		dispatch.Options{
			WaitForArtifact: req.WaitForArtifact,
			ExternalRef:     req.OrderID,
			WebhookURL:      req.WebhookURL,
		})
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}

	resp := map[string]any{"success": true, "status": result.Status}
	if result.LogID != nil {
		resp["log_id"] = result.LogID
	}
	if result.PendingID != nil {
		resp["pending_communication_id"] = result.PendingID
	}
	if result.Reused {
		resp["details"] = "reusing existing pending record"
	}

	if result.Status == "queued" {
		httputil.Accepted(w, resp)
		return
	}
	httputil.OK(w, resp)
}

type pendingCreateRequest struct {
	TemplateName   string         `json:"template_name"`
	RecipientEmail string         `json:"recipient_email"`
	BaseData       map[string]any `json:"base_data"`
	PendingFields  []string       `json:"pending_fields"`
	ExternalRef    string         `json:"external_reference_id"`
	WebhookURL     string         `json:"webhook_url"`
	ExpiresAt      *time.Time     `json:"expires_at"`
}

// HandlePendingCreate queues a delivery that waits for external data.
func (h *Handlers) HandlePendingCreate(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var req pendingCreateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.TemplateName == "" || req.RecipientEmail == "" {
		httputil.BadRequest(w, "template_name and recipient_email are required")
		return
	}

	if _, err := h.storage.GetTemplateByName(r.Context(), app.ID, req.TemplateName); err != nil {
		if err == store.ErrNotFound {
			httputil.NotFound(w, "template not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	pending, reused, err := h.storage.CreatePending(r.Context(), store.CreatePendingParams{
		ApplicationID: app.ID,
		TemplateName:  req.TemplateName,
		Recipient:     req.RecipientEmail,
		BaseData:      req.BaseData,
		PendingFields: req.PendingFields,
		ExternalRef:   req.ExternalRef,
		WebhookURL:    req.WebhookURL,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	resp := map[string]any{
		"success":                  true,
		"pending_communication_id": pending.ID,
		"status":                   pending.Status,
	}
	if reused {
		resp["details"] = "reusing existing pending record"
	}
	httputil.JSON(w, http.StatusCreated, resp)
}

type pendingCompleteRequest struct {
	PendingID   string         `json:"pending_communication_id"`
	ExternalRef string         `json:"external_reference_id"`
	Data        map[string]any `json:"data"`
}

// HandlePendingComplete merges the awaited data into a pending
// delivery and sends the resulting message.
func (h *Handlers) HandlePendingComplete(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var req pendingCompleteRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	pending, ok := h.resolvePending(w, r, app, req.PendingID, req.ExternalRef)
	if !ok {
		return
	}

	completed, err := h.storage.CompleteWithData(r.Context(), pending.ID, req.Data)
	if err != nil {
		if errors.Is(err, store.ErrAlreadySent) {
			httputil.BadRequest(w, "pending delivery already sent")
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			httputil.ErrorDetails(w, http.StatusBadRequest, "pending delivery is terminal", err.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}

	result, err := h.dispatcher.CompleteAndSend(r.Context(), app, completed)
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}

	httputil.OK(w, map[string]any{
		"success":                  true,
		"status":                   result.Status,
		"log_id":                   result.LogID,
		"pending_communication_id": completed.ID,
	})
}

// HandlePendingStatus returns a read-only snapshot of a pending
// delivery.
func (h *Handlers) HandlePendingStatus(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	pending, ok := h.resolvePending(w, r, app,
		r.URL.Query().Get("pending_communication_id"),
		r.URL.Query().Get("external_reference_id"))
	if !ok {
		return
	}

	resp := map[string]any{
		"success":                  true,
		"pending_communication_id": pending.ID,
		"status":                   pending.Status,
		"recipient":                pending.Recipient,
		"bounce_count":             pending.BounceCount,
		"created_at":               pending.CreatedAt,
		"updated_at":               pending.UpdatedAt,
	}
	if pending.ExternalRef != "" {
		resp["external_reference_id"] = pending.ExternalRef
	}
	if pending.Error != "" {
		resp["error_detail"] = pending.Error
	}
	if pending.ExpiresAt != nil {
		resp["expires_at"] = pending.ExpiresAt
	}
	httputil.OK(w, resp)
}

type artifactGenerateRequest struct {
	TemplateID   string         `json:"template_id"`
	TemplateName string         `json:"template_name"`
	Data         map[string]any `json:"data"`
	PendingID    string         `json:"pending_communication_id"`
	OrderID      string         `json:"order_id"`
}

// HandleArtifactGenerate synchronously renders and converts a document
// template, optionally attaching the result to a pending delivery.
func (h *Handlers) HandleArtifactGenerate(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var req artifactGenerateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.TemplateID == "" && req.TemplateName == "" {
		httputil.BadRequest(w, "template_id or template_name is required")
		return
	}

	tmpl, err := h.resolveTemplate(r.Context(), app, req.TemplateID, req.TemplateName)
	if err != nil {
		if err == store.ErrNotFound {
			httputil.NotFound(w, "template not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	var pending *store.PendingDelivery
	var parentLogID *uuid.UUID
	if req.PendingID != "" || req.OrderID != "" {
		var ok bool
		pending, ok = h.resolvePending(w, r, app, req.PendingID, req.OrderID)
		if !ok {
			return
		}
		parentLogID = pending.ParentLogID
	}

	record, err := h.generator.Generate(r.Context(), tmpl, req.Data, parentLogID)
	if err != nil {
		var genErr *artifact.GenerationError
		if errors.As(err, &genErr) {
			httputil.ErrorDetails(w, http.StatusInternalServerError, "artifact generation failed", genErr.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}

	if pending != nil {
		if _, err := h.storage.AttachArtifact(r.Context(), pending.ID, record); err != nil {
			if errors.Is(err, store.ErrAlreadySent) || errors.Is(err, store.ErrNotFound) {
				httputil.ErrorDetails(w, http.StatusBadRequest, "cannot attach artifact", err.Error())
				return
			}
			httputil.InternalError(w, err)
			return
		}
	}

	content, err := h.blobs.Get(r.Context(), record.ContentKey)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]any{
		"success": true,
		"artifact": map[string]any{
			"id":             record.ID,
			"filename":       record.Filename,
			"size":           record.Size,
			"content_key":    record.ContentKey,
			"content_base64": base64.StdEncoding.EncodeToString(content),
		},
	})
}

// HandleTrackOpen records a first open and serves the pixel. The pixel
// is always served, whatever happens to the write.
func (h *Handlers) HandleTrackOpen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	logID, err := h.tracking.VerifyOpen(q.Get("log_id"), q.Get("sig"))
	if err == nil {
		if first, recErr := h.storage.RecordOpen(r.Context(), logID); recErr != nil {
			logger.Warn("recording open failed", "log_id", logID, "error", recErr)
		} else if first {
			logger.Debug("recorded first open", "log_id", logID)
		}
	}
	servePixel(w)
}

// HandleTrackClick records a first click and redirects. The redirect
// always happens so tracking failures never break navigation.
func (h *Handlers) HandleTrackClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("url")
	if target == "" {
		httputil.BadRequest(w, "missing url")
		return
	}

	logID, err := h.tracking.VerifyClick(q.Get("log_id"), target, q.Get("sig"))
	if err == nil {
		if _, recErr := h.storage.RecordClick(r.Context(), logID); recErr != nil {
			logger.Warn("recording click failed", "log_id", logID, "error", recErr)
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleDeliveryWebhook ingests provider delivery events.
func (h *Handlers) HandleDeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.BadRequest(w, "failed to read body")
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get("X-Webhook-Signature")); err != nil {
		httputil.Unauthorized(w, err.Error())
		return
	}

	evts, err := events.ParseEvents(body)
	if err != nil {
		httputil.BadRequest(w, "invalid event payload")
		return
	}

	processed := 0
	for i := range evts {
		if err := h.reconciler.Reconcile(r.Context(), &evts[i]); err != nil {
			logger.Error("event reconciliation failed",
				"type", evts[i].Type, "provider_message_id", evts[i].ProviderMessageID, "error", err)
			continue
		}
		processed++
	}

	httputil.OK(w, map[string]any{"success": true, "processed": processed})
}

// resolvePending loads a pending delivery by id or external reference,
// writing the error response itself on failure.
func (h *Handlers) resolvePending(w http.ResponseWriter, r *http.Request, app *store.Application, idStr, ref string) (*store.PendingDelivery, bool) {
	var pending *store.PendingDelivery
	var err error

	switch {
	case idStr != "":
		id, parseErr := uuid.Parse(idStr)
		if parseErr != nil {
			httputil.BadRequest(w, "invalid pending_communication_id")
			return nil, false
		}
		pending, err = h.storage.GetPending(r.Context(), id)
	case ref != "":
		pending, err = h.storage.GetPendingByRef(r.Context(), app.ID, ref)
	default:
		httputil.BadRequest(w, "pending_communication_id or external_reference_id is required")
		return nil, false
	}

	if err == store.ErrNotFound {
		httputil.NotFound(w, "pending delivery not found")
		return nil, false
	}
	if err != nil {
		httputil.InternalError(w, err)
		return nil, false
	}
	if pending.ApplicationID != app.ID {
		httputil.NotFound(w, "pending delivery not found")
		return nil, false
	}
	return pending, true
}

func (h *Handlers) resolveTemplate(ctx context.Context, app *store.Application, idStr, name string) (*store.Template, error) {
	if idStr != "" {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, store.ErrNotFound
		}
		return h.storage.GetTemplateByID(ctx, app.ID, id)
	}
	return h.storage.GetTemplateByName(ctx, app.ID, name)
}

func (h *Handlers) writeDispatchError(w http.ResponseWriter, err error) {
	var genErr *artifact.GenerationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.NotFound(w, "template not found")
	case errors.As(err, &genErr):
		httputil.ErrorDetails(w, http.StatusInternalServerError, "artifact generation failed", genErr.Error())
	default:
		httputil.ErrorDetails(w, http.StatusInternalServerError, "dispatch failed", err.Error())
	}
}

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

func servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}
