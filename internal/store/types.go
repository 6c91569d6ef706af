package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Template kinds. A message template is sent as an email; a document
// template is only ever rendered into a binary artifact.
const (
	TemplateKindMessage  = "message"
	TemplateKindDocument = "document"
)

// Delivery log statuses. A log transitions exactly once from
// pending/queued to sent or failed.
const (
	LogStatusPending = "pending"
	LogStatusQueued  = "queued"
	LogStatusSent    = "sent"
	LogStatusFailed  = "failed"
)

// Delivery log kinds.
const (
	LogKindMessage             = "message"
	LogKindMessageWithArtifact = "message_with_artifact"
	LogKindArtifactGeneration  = "artifact_generation"
)

// Pending delivery statuses. sent, failed and cancelled are terminal.
const (
	PendingStatusWaitingData   = "waiting_data"
	PendingStatusArtifactReady = "artifact_ready"
	PendingStatusDataReceived  = "data_received"
	PendingStatusSent          = "sent"
	PendingStatusFailed        = "failed"
	PendingStatusCancelled     = "cancelled"
)

// Bounce types reported by the mail provider.
const (
	BounceTypeHard = "hard"
	BounceTypeSoft = "soft"
)

// BounceCancelThreshold is the soft-bounce count at which an active
// pending delivery is cancelled.
const BounceCancelThreshold = 3

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadySent indicates a completion was attempted on a
	// pending delivery that already produced a sent message.
	ErrAlreadySent = errors.New("pending delivery already sent")
)

// Application is the authenticated tenant context. Managed elsewhere;
// this service only resolves API keys against it.
type Application struct {
	ID        uuid.UUID
	Name      string
	APIKey    string
	Active    bool
	CreatedAt time.Time
}

// Template is a named, versioned message or document source.
type Template struct {
	ID              uuid.UUID
	ApplicationID   uuid.UUID
	Name            string
	Kind            string
	Body            string
	Subject         string
	ArtifactRef     string // name of the document template a message depends on, if any
	FilenamePattern string // document templates only
	Active          bool
	CreatedAt       time.Time
}

// RequiresArtifact reports whether a message template must have its
// referenced document rendered before it can be sent.
func (t *Template) RequiresArtifact() bool {
	return t.Kind == TemplateKindMessage && t.ArtifactRef != ""
}

// DeliveryLog is the append-mostly record of one attempted send or one
// generated artifact.
type DeliveryLog struct {
	ID                uuid.UUID
	ApplicationID     uuid.UUID
	Recipient         string
	Subject           string
	Status            string
	Kind              string
	ProviderMessageID string
	Error             string
	ParentID          *uuid.UUID
	Metadata          map[string]any
	CreatedAt         time.Time
	SentAt            *time.Time
	OpenedAt          *time.Time
	ClickedAt         *time.Time
}

// PendingDelivery is a message awaiting external data (typically a
// generated artifact) before it can be sent.
type PendingDelivery struct {
	ID            uuid.UUID
	ApplicationID uuid.UUID
	TemplateName  string
	Recipient     string
	BaseData      map[string]any
	PendingFields []string
	ExternalRef   string
	Status        string
	CompletedData map[string]any
	BounceCount   int
	WebhookURL    string
	Error         string
	ExpiresAt     *time.Time
	ParentLogID   *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether no further transitions are permitted.
func (p *PendingDelivery) Terminal() bool {
	switch p.Status {
	case PendingStatusSent, PendingStatusFailed, PendingStatusCancelled:
		return true
	}
	return false
}

// ArtifactRecord is an immutable generated binary (e.g. a PDF). The
// bytes live in blob storage under ContentKey; this row is metadata.
type ArtifactRecord struct {
	ID               uuid.UUID
	ApplicationID    uuid.UUID
	Filename         string
	ContentKey       string
	Size             int64
	SourceTemplateID uuid.UUID
	EmailLogID       uuid.UUID
	CreatedAt        time.Time
}
