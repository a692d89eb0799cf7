// Package tracking issues signed tracking tokens, injects the open pixel and
// click links into outgoing HTML and serves the tracking endpoints.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidToken is returned by Verify for tokens that fail decoding or
// signature checks.
var ErrInvalidToken = errors.New("invalid tracking token")

// Issuer signs and verifies tracking tokens. A token has the form
// base64url(campaignID|recipientKey) "." signature, where recipientKey is a
// keyed hash of the address so tokens carry no PII.
type Issuer struct {
	signingKey []byte
	baseURL    string
	disabled   bool
}

// NewIssuer creates an issuer. baseURL is the public origin the pixel is
// served from; a trailing slash is ignored.
func NewIssuer(signingKey, baseURL string, disabled bool) *Issuer {
	return &Issuer{
		signingKey: []byte(signingKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		disabled:   disabled,
	}
}

// Issue returns the token for one recipient of a campaign. It returns ""
// when tracking is disabled.
func (i *Issuer) Issue(campaignID, email string) string {
	if i == nil || i.disabled {
		return ""
	}
	data := campaignID + "|" + i.RecipientKey(email)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(data))
	return encoded + "." + i.sign(data)
}

// RecipientKey is the stable, non-reversible identifier for an address
// within tokens issued by this issuer.
func (i *Issuer) RecipientKey(email string) string {
	h := hmac.New(sha256.New, i.signingKey)
	h.Write([]byte("recipient:" + strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Verify decodes a token and checks its signature, returning the campaign
// id and recipient key it was issued for.
func (i *Issuer) Verify(token string) (campaignID, recipientKey string, err error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return "", "", ErrInvalidToken
	}
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	data := string(decoded)
	if !hmac.Equal([]byte(i.sign(data)), []byte(sig)) {
		return "", "", fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}
	campaignID, recipientKey, ok = strings.Cut(data, "|")
	if !ok || campaignID == "" || recipientKey == "" {
		return "", "", fmt.Errorf("%w: malformed payload", ErrInvalidToken)
	}
	return campaignID, recipientKey, nil
}

// PixelURL returns the open-tracking pixel URL for token.
func (i *Issuer) PixelURL(token string) string {
	return fmt.Sprintf("%s/track/open/%s.png", i.baseURL, token)
}

// Inject places the tracking pixel for token just before the closing body
// tag of html, or appends it when there is none. Empty html or an empty
// token leaves the content unchanged.
func (i *Issuer) Inject(html, token string) string {
	if html == "" || token == "" {
		return html
	}
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`, i.PixelURL(token))
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}

var hrefPattern = regexp.MustCompile(`(?i)href\s*=\s*"([^"]+)"`)

// ClickURL returns the click-tracking URL for token that redirects to
// target. The target is signed together with the token.
func (i *Issuer) ClickURL(token, target string) string {
	q := url.Values{}
	q.Set("url", target)
	q.Set("sig", i.sign("click|"+token+"|"+target))
	return fmt.Sprintf("%s/track/click/%s?%s", i.baseURL, token, q.Encode())
}

// VerifyClick checks token and the link signature, and that target is an
// absolute http(s) URL.
func (i *Issuer) VerifyClick(token, target, sig string) (campaignID, recipientKey string, err error) {
	campaignID, recipientKey, err = i.Verify(token)
	if err != nil {
		return "", "", err
	}
	if !hmac.Equal([]byte(i.sign("click|"+token+"|"+target)), []byte(sig)) {
		return "", "", fmt.Errorf("%w: bad link signature", ErrInvalidToken)
	}
	if !isWebURL(target) {
		return "", "", fmt.Errorf("%w: unsupported link target", ErrInvalidToken)
	}
	return campaignID, recipientKey, nil
}

// RewriteLinks points every absolute http(s) href in body at the click
// route for token. Other links (mailto:, anchors, relative) are untouched.
func (i *Issuer) RewriteLinks(body, token string) string {
	if body == "" || token == "" {
		return body
	}
	return hrefPattern.ReplaceAllStringFunc(body, func(m string) string {
		target := html.UnescapeString(hrefPattern.FindStringSubmatch(m)[1])
		if !isWebURL(target) {
			return m
		}
		return `href="` + html.EscapeString(i.ClickURL(token, target)) + `"`
	})
}

func isWebURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (i *Issuer) sign(data string) string {
	h := hmac.New(sha256.New, i.signingKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
