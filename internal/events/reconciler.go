// Package events reconciles provider delivery events against the
// delivery logs and the pending-delivery state machine.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatchd/internal/pkg/logger"
	"github.com/ignite/dispatchd/internal/store"
)

// Provider event kinds.
const (
	EventSent       = "sent"
	EventDelivered  = "delivered"
	EventDelayed    = "delivery_delayed"
	EventBounced    = "bounced"
	EventComplained = "complained"
)

// Event is one provider-originated delivery event.
type Event struct {
	Type              string    `json:"type"`
	ProviderMessageID string    `json:"provider_message_id"`
	Recipient         string    `json:"recipient,omitempty"`
	BounceType        string    `json:"bounce_type,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Timestamp         time.Time `json:"timestamp,omitempty"`
}

// ParseEvents decodes a webhook body. Providers post either a single
// event object or a batch array.
func ParseEvents(body []byte) ([]Event, error) {
	var batch []Event
	if err := json.Unmarshal(body, &batch); err == nil {
		return batch, nil
	}
	var single Event
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}
	return []Event{single}, nil
}

// Storage is the slice of the store the reconciler needs.
type Storage interface {
	GetLogByProviderMessageID(ctx context.Context, providerMessageID string) (*store.DeliveryLog, error)
	SetLogSentAt(ctx context.Context, id uuid.UUID, at time.Time) error
	MergeLogMetadata(ctx context.Context, id uuid.UUID, diagnostics map[string]any) error
	RecordBounce(ctx context.Context, appID uuid.UUID, recipient, bounceType string) (*store.PendingDelivery, error)
}

// Reconciler applies provider events to the store. Unmatched events
// are logged and dropped; the provider's own retry policy governs
// webhook redelivery.
type Reconciler struct {
	storage Storage
}

func NewReconciler(storage Storage) *Reconciler {
	return &Reconciler{storage: storage}
}

// Reconcile matches an event to its delivery log by provider message
// id and applies it. Bounces and complaints additionally feed the
// pending-delivery bounce counter; a complaint counts as a hard
// bounce.
func (r *Reconciler) Reconcile(ctx context.Context, evt *Event) error {
	if evt.ProviderMessageID == "" {
		logger.Warn("dropping event without provider message id", "type", evt.Type)
		return nil
	}

	dlog, err := r.storage.GetLogByProviderMessageID(ctx, evt.ProviderMessageID)
	if err == store.ErrNotFound {
		logger.Warn("dropping unmatched delivery event",
			"type", evt.Type, "provider_message_id", evt.ProviderMessageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("matching event to log: %w", err)
	}

	at := evt.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch evt.Type {
	case EventSent:
		// The provider's sent event may arrive before the local
		// transition commits; first write wins either way.
		if err := r.storage.SetLogSentAt(ctx, dlog.ID, at); err != nil {
			return err
		}
		if err := r.storage.MergeLogMetadata(ctx, dlog.ID, map[string]any{
			"provider_sent_at": at.Format(time.RFC3339),
		}); err != nil {
			return err
		}

	case EventDelivered:
		if err := r.storage.MergeLogMetadata(ctx, dlog.ID, map[string]any{
			"delivered_at": at.Format(time.RFC3339),
		}); err != nil {
			return err
		}

	case EventDelayed:
		if err := r.storage.MergeLogMetadata(ctx, dlog.ID, map[string]any{
			"delayed":        true,
			"delayed_at":     at.Format(time.RFC3339),
			"delayed_reason": evt.Reason,
		}); err != nil {
			return err
		}

	case EventBounced:
		bounceType := evt.BounceType
		if bounceType != store.BounceTypeHard {
			bounceType = store.BounceTypeSoft
		}
		return r.recordBounce(ctx, dlog, evt, bounceType, at)

	case EventComplained:
		// A complaint is a hard stop for the recipient.
		return r.recordBounce(ctx, dlog, evt, store.BounceTypeHard, at)

	default:
		logger.Warn("dropping unknown event type", "type", evt.Type)
	}

	return nil
}

func (r *Reconciler) recordBounce(ctx context.Context, dlog *store.DeliveryLog, evt *Event, bounceType string, at time.Time) error {
	if err := r.storage.MergeLogMetadata(ctx, dlog.ID, map[string]any{
		"event":         evt.Type,
		"bounce_type":   bounceType,
		"bounce_reason": evt.Reason,
		"bounced_at":    at.Format(time.RFC3339),
	}); err != nil {
		return err
	}

	recipient := evt.Recipient
	if recipient == "" {
		recipient = dlog.Recipient
	}

	pd, err := r.storage.RecordBounce(ctx, dlog.ApplicationID, recipient, bounceType)
	if err != nil {
		return fmt.Errorf("recording bounce: %w", err)
	}
	if pd != nil && pd.Status == store.PendingStatusCancelled {
		logger.Info("cancelled pending delivery after bounce",
			"pending_id", pd.ID, "recipient", recipient, "bounce_count", pd.BounceCount)
	}
	return nil
}
