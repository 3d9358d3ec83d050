package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"reskit/internal/domain"
	"reskit/internal/infra/config"
)

// ClientInfo identifies an authenticated caller.
type ClientInfo struct {
	UserID string
	Name   string
}

// Authenticator validates bearer tokens.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a fixed token list using
// constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens. Entries
// without a token or user id are skipped.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		if t.Token == "" || t.UserID == "" {
			continue
		}
		name := t.Username
		if name == "" {
			name = t.UserID
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(t.Token),
			info:  &ClientInfo{UserID: t.UserID, Name: name},
		})
	}
	return a
}

// Authenticate returns the client a token belongs to. Every entry is compared
// so the timing does not reveal which one matched.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tokenBytes := []byte(token)
	var found *ClientInfo
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 && found == nil {
			found = e.info
		}
	}
	if found == nil {
		return nil, domain.ErrGatewayAuthFailed
	}
	return found, nil
}

// TokenFromRequest reads a bearer token from the Authorization header, falling
// back to the token query parameter used by browser websocket clients.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
