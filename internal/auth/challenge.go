package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// DefaultRealm is the protection space announced to git clients
const DefaultRealm = "gitbridge"

// WriteChallenge answers 401 with a Basic challenge, which makes git prompt
// for (or fetch from a credential helper) a username and password.
func WriteChallenge(w http.ResponseWriter, realm string) {
	if realm == "" {
		realm = DefaultRealm
	}
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s", charset="UTF-8"`, sanitizeHeaderValue(realm)))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte("authentication required\n"))
}

// sanitizeHeaderValue removes characters that could enable header injection attacks.
func sanitizeHeaderValue(s string) string {
	if !strings.ContainsAny(s, "\r\n\"") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	// Escape quotes for use in quoted-string (RFC 7230)
	return strings.ReplaceAll(s, `"`, `\"`)
}
