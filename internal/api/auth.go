package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type Authorizer func(r *http.Request) bool

// BearerTokenAuthorizer authorizes requests carrying any of the configured
// bearer tokens. An empty token list authorizes everything, for dev setups.
func BearerTokenAuthorizer(tokens [][]byte) Authorizer {
	allowed := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if len(t) == 0 {
			continue
		}
		cp := make([]byte, len(t))
		copy(cp, t)
		allowed = append(allowed, cp)
	}

	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}

		h := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return false
		}
		got := []byte(strings.TrimSpace(strings.TrimPrefix(h, prefix)))
		if len(got) == 0 {
			return false
		}
		for _, want := range allowed {
			if subtle.ConstantTimeCompare(got, want) == 1 {
				return true
			}
		}
		return false
	}
}
