package automation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const (
	clickPath       = "/track/click"
	openPath        = "/track/open"
	unsubscribePath = "/unsubscribe"
)

var (
	// only the href attribute of anchor tags is rewritten
	anchorHrefPattern = regexp.MustCompile(`(?is)(<a\b[^>]*?\shref\s*=\s*)(?:"([^"]*)"|'([^']*)')`)
	closingBodyTag    = regexp.MustCompile(`(?i)</body\s*>`)
)

// Tracker rewrites links through the click redirect and appends the open
// beacon. Every generated URL carries an HMAC so the endpoints can reject
// forged ids and foreign redirect targets.
type Tracker struct {
	BaseURL string
	secret  []byte
}

func NewTracker(baseURL, secret string) *Tracker {
	return &Tracker{
		BaseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
	}
}

// Inject rewrites anchors and appends the beacon. Running it again on its
// own output changes nothing.
func (t *Tracker) Inject(htmlContent, deliveryLogID string, subscriberID uint) string {
	out := t.injectClickTracking(htmlContent, deliveryLogID, subscriberID)
	return t.injectOpenBeacon(out, deliveryLogID, subscriberID)
}

func (t *Tracker) injectClickTracking(htmlContent, deliveryLogID string, subscriberID uint) string {
	return anchorHrefPattern.ReplaceAllStringFunc(htmlContent, func(match string) string {
		parts := anchorHrefPattern.FindStringSubmatch(match)
		prefix := parts[1]
		quote := match[len(prefix) : len(prefix)+1]
		raw := parts[2]
		if quote == "'" {
			raw = parts[3]
		}

		// unsubscribe links must never sit behind a tracking hop
		if raw == "" || strings.Contains(raw, "unsubscribe") || t.isTracked(raw) {
			return match
		}

		// mailto:, tel: and fragments cannot be followed by a redirect
		target := strings.TrimSpace(html.UnescapeString(raw))
		if !isWebURL(target) {
			return match
		}

		tracked := t.ClickURL(deliveryLogID, subscriberID, target)
		return prefix + quote + html.EscapeString(tracked) + quote
	})
}

func (t *Tracker) injectOpenBeacon(htmlContent, deliveryLogID string, subscriberID uint) string {
	src := html.EscapeString(t.OpenURL(deliveryLogID, subscriberID))
	if strings.Contains(htmlContent, src) {
		return htmlContent
	}
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none" />`, src)

	locs := closingBodyTag.FindAllStringIndex(htmlContent, -1)
	if len(locs) == 0 {
		return htmlContent + pixel
	}
	at := locs[len(locs)-1][0]
	return htmlContent[:at] + pixel + htmlContent[at:]
}

func isWebURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func (t *Tracker) isTracked(raw string) bool {
	return strings.HasPrefix(html.UnescapeString(raw), t.BaseURL+clickPath)
}

// ClickURL builds the redirect for one link
func (t *Tracker) ClickURL(deliveryLogID string, subscriberID uint, target string) string {
	sid := strconv.FormatUint(uint64(subscriberID), 10)
	q := url.Values{}
	q.Set("lid", deliveryLogID)
	q.Set("sid", sid)
	q.Set("url", target)
	q.Set("sig", t.Sign(deliveryLogID, sid, target))
	return t.BaseURL + clickPath + "?" + q.Encode()
}

// OpenURL builds the beacon source
func (t *Tracker) OpenURL(deliveryLogID string, subscriberID uint) string {
	sid := strconv.FormatUint(uint64(subscriberID), 10)
	q := url.Values{}
	q.Set("lid", deliveryLogID)
	q.Set("sid", sid)
	q.Set("sig", t.Sign(deliveryLogID, sid))
	return t.BaseURL + openPath + "?" + q.Encode()
}

// UnsubscribeURL builds the one-click unsubscribe link for a subscriber
func (t *Tracker) UnsubscribeURL(subscriberID uint) string {
	sid := strconv.FormatUint(uint64(subscriberID), 10)
	q := url.Values{}
	q.Set("sid", sid)
	q.Set("sig", t.Sign("unsubscribe", sid))
	return t.BaseURL + unsubscribePath + "?" + q.Encode()
}

// Sign returns the URL-safe HMAC of the parts
func (t *Tracker) Sign(parts ...string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(strings.Join(parts, "\n")))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign
func (t *Tracker) Verify(sig string, parts ...string) bool {
	if sig == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(t.Sign(parts...)))
}
