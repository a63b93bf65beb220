package campaign

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/token"
)

// TrackingBuilder produces the public tracking and unsubscribe URLs
// bound to a send-log row, and injects them into rendered HTML.
type TrackingBuilder struct {
	tokens  *token.Service
	baseURL string
}

func NewTrackingBuilder(tokens *token.Service, baseURL string) *TrackingBuilder {
	return &TrackingBuilder{tokens: tokens, baseURL: strings.TrimRight(baseURL, "/")}
}

// PixelURL returns the open-tracking pixel URL for a send log.
func (t *TrackingBuilder) PixelURL(logID, campaignID uuid.UUID) string {
	tok := t.tokens.TrackingToken(logID, campaignID)
	return fmt.Sprintf("%s/t/open.gif?cid=%s&lid=%s&token=%s", t.baseURL, campaignID, logID, tok)
}

// ClickURL returns a redirector URL that records the click before
// forwarding to the original target.
func (t *TrackingBuilder) ClickURL(logID, campaignID uuid.UUID, target string) string {
	tok := t.tokens.TrackingToken(logID, campaignID)
	return fmt.Sprintf("%s/t/click?lid=%s&token=%s&u=%s", t.baseURL, logID, tok, url.QueryEscape(target))
}

// UnsubscribeURL returns the one-click unsubscribe URL for an email.
func (t *TrackingBuilder) UnsubscribeURL(email string) string {
	tok := t.tokens.UnsubscribeToken(email)
	return fmt.Sprintf("%s/unsubscribe?email=%s&token=%s", t.baseURL, url.QueryEscape(email), tok)
}

// ListUnsubscribeHeader returns the List-Unsubscribe header value for
// an email, so mail clients can offer native unsubscribe.
func (t *TrackingBuilder) ListUnsubscribeHeader(email string) string {
	return "<" + t.UnsubscribeURL(email) + ">"
}

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// Inject adds the open pixel before </body> and rewrites outbound
// links through the click redirector. Links pointing back at the
// tracking host are left alone.
func (t *TrackingBuilder) Inject(html string, logID, campaignID uuid.UUID) string {
	html = hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
		target := match[len(`href="`) : len(match)-1]
		if strings.HasPrefix(target, t.baseURL+"/t/") || strings.HasPrefix(target, t.baseURL+"/unsubscribe") {
			return match
		}
		return `href="` + t.ClickURL(logID, campaignID, target) + `"`
	})

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" />`, t.PixelURL(logID, campaignID))
	if strings.Contains(html, "</body>") {
		return strings.Replace(html, "</body>", pixel+"</body>", 1)
	}
	return html + pixel
}
