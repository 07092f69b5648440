package wsbase

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// RequestToken extracts a bearer token from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the ?token= query.
func RequestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			if tok := strings.TrimSpace(rest); tok != "" {
				return tok
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// TokensEqual compares tokens in constant time. Empty tokens never match.
func TokensEqual(expected, actual string) bool {
	if expected == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}

// IsAuthorizedRequest checks a single shared token. An empty expected token
// disables the check.
func IsAuthorizedRequest(expected string, r *http.Request) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return true
	}
	return TokensEqual(expected, RequestToken(r))
}

// Authenticator maps agent bearer tokens to actor ids (the value reported in
// takenOverBy).
type Authenticator struct {
	tokens map[string]string
}

// NewAuthenticator copies a token → actor table.
func NewAuthenticator(tokens map[string]string) *Authenticator {
	m := make(map[string]string, len(tokens))
	for tok, actor := range tokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			m[tok] = actor
		}
	}
	return &Authenticator{tokens: m}
}

// Actor resolves the request's token. Every entry is compared so timing does
// not reveal which token prefix matched.
func (a *Authenticator) Actor(r *http.Request) (string, bool) {
	got := RequestToken(r)
	actor, found := "", false
	for tok, who := range a.tokens {
		if TokensEqual(tok, got) {
			actor, found = who, true
		}
	}
	return actor, found
}

// AcceptWebSocket upgrades the request, enforcing origin patterns.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, originPatterns []string) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
}
