// Package identity is the boundary to the user identity system. The stamp
// server never issues or hashes credentials; it only asks a Verifier who a
// bearer credential belongs to.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// ErrInvalidCredential is returned by a Verifier for unknown or malformed
// credentials.
var ErrInvalidCredential = errors.New("invalid credential")

// Identity is the verified user behind a connection.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IsZero reports whether no user is attached (an anonymous viewer).
func (i Identity) IsZero() bool {
	return i.ID == ""
}

// Verifier resolves a bearer credential to an Identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// StaticVerifier is a fixed token table, loaded from configuration.
// Suitable for development and for fronting an external identity
// service that pre-issues opaque tokens.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewStaticVerifier returns an empty verifier; every credential is rejected
// until Add is called.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]Identity)}
}

// ParseStaticTokens builds a verifier from entries of the form
// "token:id:name". The name may contain colons.
func ParseStaticTokens(entries []string) (*StaticVerifier, error) {
	v := NewStaticVerifier()
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || strings.TrimSpace(parts[2]) == "" {
			return nil, fmt.Errorf("token entry %q: want token:id:name", entry)
		}
		v.Add(parts[0], Identity{ID: parts[1], Name: strings.TrimSpace(parts[2])})
	}
	return v, nil
}

// Add registers or replaces a token.
func (v *StaticVerifier) Add(token string, id Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = id
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.tokens[credential]
	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	return id, nil
}

// CredentialFromRequest extracts a bearer credential from, in order, the
// Authorization header, the "token" query parameter (browsers cannot set
// headers on WebSocket upgrades), and the "token" cookie. Returns "" when
// none is present.
func CredentialFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the Identity stored by WithIdentity, or the zero
// Identity.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	return id
}
