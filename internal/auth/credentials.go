package auth

import (
	"net/http"
	"strings"
)

// QueryTokenParam is the query parameter accepted as a credential, for
// clients that cannot send an Authorization header.
const QueryTokenParam = "token"

// Credentials are candidate token values taken from one request, in the
// order they are tried.
type Credentials []string

// Present reports whether the request carried any credential at all.
func (c Credentials) Present() bool {
	return len(c) > 0
}

// ExtractCredentials collects candidate tokens from a request.
//
// For Basic auth both the username and the password are candidates, since git
// users put tokens in either position ("https://<token>@host/..." or
// "https://user:<token>@host/..."). Bearer tokens and the token query
// parameter are also accepted.
func ExtractCredentials(r *http.Request) Credentials {
	var out Credentials
	// Values are kept byte for byte; tokens are compared by exact match.
	add := func(v string) {
		if v == "" {
			return
		}
		for _, existing := range out {
			if existing == v {
				return
			}
		}
		out = append(out, v)
	}

	if user, pass, ok := r.BasicAuth(); ok {
		add(user)
		add(pass)
	} else if header := r.Header.Get("Authorization"); header != "" {
		scheme, value, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			add(value)
		}
	}

	add(r.URL.Query().Get(QueryTokenParam))
	return out
}
