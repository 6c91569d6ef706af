package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/dispatchd/internal/config"
)

// TrackingService signs and verifies the open-pixel and click-redirect
// URLs embedded in outgoing messages. The signature is a truncated
// HMAC-SHA256 over the log id (and the destination URL for clicks), so
// tracking hits cannot be forged against arbitrary logs.
type TrackingService struct {
	signingKey []byte
	baseURL    string
}

func NewTrackingService(cfg config.TrackingConfig) *TrackingService {
	return &TrackingService{
		signingKey: []byte(cfg.SigningKey),
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
	}
}

// OpenPixelURL returns the signed open-tracking pixel URL for a log.
func (ts *TrackingService) OpenPixelURL(logID uuid.UUID) string {
	return fmt.Sprintf("%s/track/open?log_id=%s&sig=%s",
		ts.baseURL, logID, ts.sign(logID.String()))
}

// ClickURL returns a signed redirect URL wrapping originalURL.
func (ts *TrackingService) ClickURL(logID uuid.UUID, originalURL string) string {
	sig := ts.sign(logID.String() + "|" + originalURL)
	return fmt.Sprintf("%s/track/click?log_id=%s&url=%s&sig=%s",
		ts.baseURL, logID, url.QueryEscape(originalURL), sig)
}

// VerifyOpen checks an open-pixel signature and returns the log id.
func (ts *TrackingService) VerifyOpen(logID, signature string) (uuid.UUID, error) {
	if !ts.verify(logID, signature) {
		return uuid.Nil, fmt.Errorf("invalid signature")
	}
	id, err := uuid.Parse(logID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid log id")
	}
	return id, nil
}

// VerifyClick checks a click signature over the log id and destination.
func (ts *TrackingService) VerifyClick(logID, target, signature string) (uuid.UUID, error) {
	if !ts.verify(logID+"|"+target, signature) {
		return uuid.Nil, fmt.Errorf("invalid signature")
	}
	id, err := uuid.Parse(logID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid log id")
	}
	return id, nil
}

func (ts *TrackingService) sign(data string) string {
	h := hmac.New(sha256.New, ts.signingKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (ts *TrackingService) verify(data, signature string) bool {
	expected := ts.sign(data)
	return hmac.Equal([]byte(expected), []byte(signature))
}

var hrefRe = regexp.MustCompile(`href="(https?://[^"]+)"`)

// InjectTracking rewrites outbound links to tracked redirects and
// appends the open pixel before </body> (or at the end when the
// document has no body tag).
func (ts *TrackingService) InjectTracking(html string, logID uuid.UUID) string {
	html = hrefRe.ReplaceAllStringFunc(html, func(match string) string {
		original := hrefRe.FindStringSubmatch(match)[1]
		if strings.Contains(original, "/track/") {
			return match
		}
		return fmt.Sprintf(`href="%s"`, ts.ClickURL(logID, original))
	})

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" />`,
		ts.OpenPixelURL(logID))
	if strings.Contains(html, "</body>") {
		return strings.Replace(html, "</body>", pixel+"</body>", 1)
	}
	return html + pixel
}
