package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"
)

const SessionCookieName = "portal_session"

// The cookie carries "<session-id>.<signature>"; the signature is an
// HMAC-SHA256 of the id under the configured session secret, so a
// tampered or forged cookie never reaches the session store.

func signSessionID(sessionID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sessionID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func SessionCookieValue(sessionID, secret string) string {
	return sessionID + "." + signSessionID(sessionID, secret)
}

// VerifySessionCookieValue returns the session id carried by the cookie
// value, or false when the signature does not match.
func VerifySessionCookieValue(value, secret string) (string, bool) {
	dotAt := strings.LastIndex(value, ".")
	if dotAt <= 0 || dotAt == len(value)-1 {
		return "", false
	}

	sessionID, signature := value[:dotAt], value[dotAt+1:]
	if !hmac.Equal([]byte(signSessionID(sessionID, secret)), []byte(signature)) {
		return "", false
	}
	return sessionID, true
}

func NewSessionCookie(sessionID, secret string, ttl time.Duration, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    SessionCookieValue(sessionID, secret),
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func ExpiredSessionCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ReadSessionID extracts and verifies the session id from the request
// cookie; ok is false when the cookie is missing or its signature is bad.
func ReadSessionID(r *http.Request, secret string) (string, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return VerifySessionCookieValue(cookie.Value, secret)
}
