package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"sessionhost/internal/httpparse"
)

const sessionIDLength = 16

// SessionID derives the logical session id from an identity token. The token
// itself is never stored.
func SessionID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:sessionIDLength]
}

func tokenFromHeaders(authorization, sessionToken string) string {
	if auth := strings.TrimSpace(authorization); auth != "" {
		scheme, value, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if value = strings.TrimSpace(value); value != "" {
				return value
			}
		}
	}
	return strings.TrimSpace(sessionToken)
}

// identify resolves the caller's session id from a parsed request.
func identify(req *httpparse.Request) (string, *apiError) {
	authorization, _ := req.Header("Authorization")
	sessionToken, _ := req.Header("X-Session-Token")
	token := tokenFromHeaders(authorization, sessionToken)
	if token == "" {
		return "", &apiError{Status: http.StatusUnauthorized, Message: "missing identity token"}
	}
	return SessionID(token), nil
}

// identifyHTTP is identify for net/http requests; it also accepts a token
// query parameter since browsers cannot set headers on websocket upgrades.
func identifyHTTP(r *http.Request) (string, bool) {
	token := tokenFromHeaders(r.Header.Get("Authorization"), r.Header.Get("X-Session-Token"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return "", false
	}
	return SessionID(token), true
}
