package dispatch

import (
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatchd/internal/config"
)

func newTestTracking() *TrackingService {
	return NewTrackingService(config.TrackingConfig{
		BaseURL:    "https://track.example.com",
		SigningKey: "test-signing-key",
	})
}

func TestOpenPixelURLRoundTrip(t *testing.T) {
	ts := newTestTracking()
	logID := uuid.New()

	raw := ts.OpenPixelURL(logID)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/track/open", u.Path)

	got, err := ts.VerifyOpen(u.Query().Get("log_id"), u.Query().Get("sig"))
	require.NoError(t, err)
	assert.Equal(t, logID, got)
}

func TestClickURLRoundTrip(t *testing.T) {
	ts := newTestTracking()
	logID := uuid.New()
	target := "https://example.com/offer?id=7"

	raw := ts.ClickURL(logID, target)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, target, u.Query().Get("url"))

	got, err := ts.VerifyClick(u.Query().Get("log_id"), u.Query().Get("url"), u.Query().Get("sig"))
	require.NoError(t, err)
	assert.Equal(t, logID, got)
}

func TestVerifyRejectsTampering(t *testing.T) {
	ts := newTestTracking()
	logID := uuid.New()

	raw := ts.ClickURL(logID, "https://example.com/real")
	u, _ := url.Parse(raw)

	// Swapping the destination invalidates the signature.
	_, err := ts.VerifyClick(u.Query().Get("log_id"), "https://evil.example.com", u.Query().Get("sig"))
	assert.Error(t, err)

	_, err = ts.VerifyOpen(uuid.NewString(), u.Query().Get("sig"))
	assert.Error(t, err)
}

func TestInjectTrackingRewritesLinksAndAddsPixel(t *testing.T) {
	ts := newTestTracking()
	logID := uuid.New()

	html := `<html><body><a href="https://example.com/a">A</a><a href="https://example.com/b">B</a></body></html>`
	out := ts.InjectTracking(html, logID)

	assert.NotContains(t, out, `href="https://example.com/a"`)
	assert.Equal(t, 2, strings.Count(out, "/track/click?"), "every outbound link is rewritten")
	assert.Contains(t, out, "/track/open?log_id=")
	assert.Less(t, strings.Index(out, "/track/open?"), strings.Index(out, "</body>"),
		"pixel lands before the closing body tag")
}

func TestInjectTrackingSkipsAlreadyTrackedLinks(t *testing.T) {
	ts := newTestTracking()
	logID := uuid.New()

	tracked := ts.ClickURL(logID, "https://example.com/x")
	html := `<body><a href="` + tracked + `">x</a></body>`
	out := ts.InjectTracking(html, logID)
	assert.Equal(t, 1, strings.Count(out, "/track/click?"), "tracked links are not double-wrapped")
}

func TestInjectTrackingWithoutBodyTag(t *testing.T) {
	ts := newTestTracking()
	out := ts.InjectTracking("<p>plain fragment</p>", uuid.New())
	assert.Contains(t, out, "/track/open?log_id=")
}
