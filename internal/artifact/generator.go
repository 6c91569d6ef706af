// Package artifact renders document templates to binary artifacts
// through an external HTML converter and persists the results.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/dispatchd/internal/config"
	"github.com/ignite/dispatchd/internal/pkg/httpretry"
	"github.com/ignite/dispatchd/internal/pkg/logger"
	"github.com/ignite/dispatchd/internal/store"
	"github.com/ignite/dispatchd/internal/template"
)

// GenerationError indicates artifact generation failed. A blank
// artifact is never substituted for a failed render or conversion.
type GenerationError struct {
	Stage string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("artifact generation failed at %s: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Storage is the slice of the store the generator needs.
type Storage interface {
	CreateLog(ctx context.Context, l *store.DeliveryLog) error
	MarkLogSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkLogFailed(ctx context.Context, id uuid.UUID, errMsg string, diagnostics map[string]any) error
	CreateArtifact(ctx context.Context, a *store.ArtifactRecord) error
}

// Generator converts rendered HTML documents into stored artifacts.
type Generator struct {
	storage      Storage
	blobs        BlobStore
	client       httpretry.HTTPDoer
	converterURL string
	apiKey       string
	keyPrefix    string
}

// NewGenerator creates a generator with the converter call bounded by
// the configured timeout and retried on transient failures.
func NewGenerator(storage Storage, blobs BlobStore, convCfg config.ConverterConfig, keyPrefix string) *Generator {
	if keyPrefix == "" {
		keyPrefix = "artifacts"
	}
	return &Generator{
		storage:      storage,
		blobs:        blobs,
		client:       httpretry.NewRetryClient(&http.Client{Timeout: convCfg.Timeout()}, 2),
		converterURL: convCfg.BaseURL,
		apiKey:       convCfg.APIKey,
		keyPrefix:    strings.TrimSuffix(keyPrefix, "/"),
	}
}

// Generate renders a document template with the context nested under
// "data", converts it to a binary through the external converter, and
// persists both the blob and its record. parentLogID links the
// generation log to an already-queued message log when set.
//
// Every outcome leaves a delivery log of kind artifact_generation; on
// failure the log carries diagnostics and the error is returned.
func (g *Generator) Generate(ctx context.Context, tmpl *store.Template, data map[string]any, parentLogID *uuid.UUID) (*store.ArtifactRecord, error) {
	if tmpl.Kind != store.TemplateKindDocument {
		return nil, &GenerationError{Stage: "render", Err: fmt.Errorf("template %s is %s, not a document", tmpl.Name, tmpl.Kind)}
	}

	renderCtx := map[string]any{"data": data}
	html := template.Render(tmpl.Body, renderCtx)
	filename := template.Render(tmpl.FilenamePattern, renderCtx)

	artifactID := uuid.New()
	if strings.TrimSpace(filename) == "" {
		filename = fmt.Sprintf("document-%s.pdf", artifactID)
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		filename += ".pdf"
	}

	genLog := &store.DeliveryLog{
		ApplicationID: tmpl.ApplicationID,
		Subject:       filename,
		Kind:          store.LogKindArtifactGeneration,
		ParentID:      parentLogID,
		Metadata:      map[string]any{"template": tmpl.Name},
	}
	if err := g.storage.CreateLog(ctx, genLog); err != nil {
		return nil, fmt.Errorf("creating generation log: %w", err)
	}

	if strings.TrimSpace(html) == "" {
		return nil, g.fail(ctx, genLog.ID, &GenerationError{
			Stage: "render",
			Err:   fmt.Errorf("template %s rendered an empty document", tmpl.Name),
		}, nil)
	}

	pdf, err := g.convert(ctx, html)
	if err != nil {
		var diag map[string]any
		var genErr *GenerationError
		if errors.As(err, &genErr) {
			diag = map[string]any{"stage": genErr.Stage}
		}
		return nil, g.fail(ctx, genLog.ID, err, diag)
	}

	key := fmt.Sprintf("%s/%s.pdf", g.keyPrefix, artifactID)
	if err := g.blobs.Put(ctx, key, pdf, "application/pdf"); err != nil {
		return nil, g.fail(ctx, genLog.ID, &GenerationError{Stage: "store", Err: err}, nil)
	}

	record := &store.ArtifactRecord{
		ID:               artifactID,
		ApplicationID:    tmpl.ApplicationID,
		Filename:         filename,
		ContentKey:       key,
		Size:             int64(len(pdf)),
		SourceTemplateID: tmpl.ID,
		EmailLogID:       genLog.ID,
	}
	if err := g.storage.CreateArtifact(ctx, record); err != nil {
		return nil, g.fail(ctx, genLog.ID, &GenerationError{Stage: "store", Err: err}, nil)
	}

	if err := g.storage.MarkLogSent(ctx, genLog.ID, ""); err != nil {
		logger.Warn("failed to finalize generation log", "log_id", genLog.ID, "error", err)
	}

	logger.Info("generated artifact", "filename", filename, "size", len(pdf), "template", tmpl.Name)
	return record, nil
}

// convert posts the rendered HTML to the external converter and returns
// the binary response.
func (g *Generator) convert(ctx context.Context, html string) ([]byte, error) {
	payload, _ := json.Marshal(map[string]string{"html": html})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.converterURL, bytes.NewReader(payload))
	if err != nil {
		return nil, &GenerationError{Stage: "convert", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &GenerationError{Stage: "convert", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GenerationError{Stage: "convert", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &GenerationError{
			Stage: "convert",
			Err:   fmt.Errorf("converter returned status %d: %s", resp.StatusCode, truncate(string(body), 200)),
		}
	}
	if len(body) == 0 {
		return nil, &GenerationError{Stage: "convert", Err: fmt.Errorf("converter returned an empty document")}
	}
	return body, nil
}

// fail records the failure on the generation log before propagating.
func (g *Generator) fail(ctx context.Context, logID uuid.UUID, genErr error, diag map[string]any) error {
	if err := g.storage.MarkLogFailed(ctx, logID, genErr.Error(), diag); err != nil {
		logger.Error("failed to record generation failure", "log_id", logID, "error", err)
	}
	return genErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
