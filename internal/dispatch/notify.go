package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatchd/internal/pkg/logger"
)

// Notifier fires the caller's webhook after a pending delivery is
// sent. Delivery is best-effort: failures are logged, never retried,
// and never fail the send that triggered them.
type Notifier struct {
	client *http.Client
}

func NewNotifier() *Notifier {
	return &Notifier{client: &http.Client{Timeout: 10 * time.Second}}
}

type callerNotification struct {
	PendingID  uuid.UUID `json:"pending_id"`
	LogID      uuid.UUID `json:"log_id"`
	Status     string    `json:"status"`
	Recipient  string    `json:"recipient"`
	NotifiedAt time.Time `json:"notified_at"`
}

// NotifySent posts a sent notification to url. No-op when url is empty.
func (n *Notifier) NotifySent(ctx context.Context, url string, pendingID, logID uuid.UUID, recipient string) {
	if url == "" {
		return
	}

	body, _ := json.Marshal(callerNotification{
		PendingID:  pendingID,
		LogID:      logID,
		Status:     "sent",
		Recipient:  recipient,
		NotifiedAt: time.Now().UTC(),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logger.Warn("building caller webhook request failed", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		logger.Warn("caller webhook delivery failed", "url", url, "pending_id", pendingID, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Warn("caller webhook rejected", "url", url, "pending_id", pendingID, "status", resp.StatusCode)
	}
}
